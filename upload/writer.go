package upload

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
	"golang.org/x/sync/errgroup"
)

// Writer is the collecting side of the streaming state machine. Bytes are
// appended to an in-memory part buffer; a full buffer is sealed and handed
// to a part-upload worker the moment more bytes arrive, so a source that
// ends exactly on the part boundary still goes out as a single-part upload.
// Close finalizes: either the single-part downgrade (nothing was sealed) or
// b2_finish_large_file with the part digests in part-number order.
type Writer struct {
	en     *Engine
	ctx    context.Context
	g      *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc

	cur      *partBuffer
	sealed   int
	started  bool
	fileID   string
	partPool *network.Pool

	mu   sync.Mutex
	shas []string

	closed   bool
	closeErr error
	fatal    error
	result   *network.File
}

// NewWriter opens a write-side sink for one file. The caller must Close it.
func (en *Engine) NewWriter(ctx context.Context) *Writer {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(en.maxParallel)
	return &Writer{
		en:     en,
		ctx:    ctx,
		g:      g,
		gctx:   gctx,
		cancel: cancel,
		cur:    newPartBuffer(en.partSize),
	}
}

// Write appends bytes, sealing and dispatching full part buffers as it goes.
// It blocks when every upload slot is busy; that is the backpressure.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, apierror.New("upload "+w.en.fileName, apierror.KindUsage, "write after close")
	}
	total := 0
	for len(p) > 0 {
		if err := w.gctx.Err(); err != nil {
			// A part upload already failed; surface the cause at Close.
			return total, err
		}
		if w.cur.full() {
			if err := w.seal(); err != nil {
				w.fatal = err
				return total, err
			}
		}
		n := w.cur.write(p)
		total += n
		p = p[n:]
	}
	return total, nil
}

// seal assigns the next part number to the current buffer, dispatches its
// upload and starts a fresh buffer. The large file is started on the first
// seal.
func (w *Writer) seal() error {
	if !w.started {
		f, err := w.en.exec.StartLargeFile(w.ctx, w.en.bucketID, w.en.fileName, w.en.contentType, w.en.opts.Info)
		if err != nil {
			return err
		}
		w.en.logger.Debugf("started large file %s", f.FileID)
		w.fileID = f.FileID
		w.partPool = network.NewPartPool(w.en.exec, f.FileID, w.en.logger)
		w.started = true
	}

	w.sealed++
	partNumber := w.sealed
	if partNumber > maxPartNumber {
		return apierror.New("upload "+w.en.fileName, apierror.KindUsage, "file requires more than %d parts; raise PartSize", maxPartNumber)
	}

	buf := w.cur
	w.cur = newPartBuffer(w.en.partSize)
	w.en.logSealed(partNumber, buf.size())

	w.mu.Lock()
	for len(w.shas) < partNumber {
		w.shas = append(w.shas, "")
	}
	w.mu.Unlock()

	// Go blocks until an upload slot frees up.
	w.g.Go(func() error {
		sha, err := w.en.uploadPart(w.gctx, w.partPool, buf, partNumber)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.shas[partNumber-1] = sha
		w.mu.Unlock()
		return nil
	})
	return nil
}

// Close finalizes the upload. When no part was ever sealed the collected
// bytes go out as a single-part upload; otherwise the final buffer is sealed
// and the large file is finished with the digests in part order. On failure
// the large file is cancelled best-effort.
func (w *Writer) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	defer w.cancel()

	if w.fatal != nil {
		// A seal already failed; the collected bytes are incomplete, so no
		// single-part fallback.
		w.closeErr = w.fatal
		w.abandon()
		_ = w.g.Wait()
		return w.closeErr
	}

	if !w.started {
		w.result, w.closeErr = w.en.singlePartFromBuffer(w.ctx, w.cur)
		return w.closeErr
	}

	if w.cur.size() > 0 {
		if err := w.seal(); err != nil {
			w.closeErr = err
			w.abandon()
			return err
		}
	}

	if err := w.g.Wait(); err != nil {
		w.closeErr = err
		w.abandon()
		return err
	}

	f, err := w.en.exec.FinishLargeFile(w.ctx, w.fileID, w.shas)
	if err != nil {
		w.closeErr = err
		w.abandon()
		return err
	}
	w.result = f
	return nil
}

// abandon cancels the started large file. Best-effort: the server reaps
// unfinished large files anyway, so failure here only gets a warning.
func (w *Writer) abandon() {
	if !w.started {
		return
	}
	if err := w.en.exec.CancelLargeFile(context.Background(), w.fileID); err != nil {
		w.en.logger.Warnf("cancel large file %s: %v", w.fileID, err)
	}
}

// Result returns the stored file's metadata after a successful Close.
func (w *Writer) Result() (*network.File, error) {
	if !w.closed {
		return nil, apierror.New("upload "+w.en.fileName, apierror.KindUsage, "upload is not finished")
	}
	if w.closeErr != nil {
		return nil, w.closeErr
	}
	return w.result, nil
}

// singlePartFromBuffer is the downgrade path: the whole stream fit in the
// first part buffer, so upload it with one POST using its running digest.
func (en *Engine) singlePartFromBuffer(ctx context.Context, buf *partBuffer) (*network.File, error) {
	sha := en.opts.SHA1
	if sha == "" {
		sha = buf.sum()
	}
	return en.singlePart(ctx, bodySpec{
		newReader: func() io.Reader { return bytes.NewReader(buf.bytes()) },
		length:    buf.size(),
		sha1:      sha,
	})
}
