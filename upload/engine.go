// Package upload is the streaming upload engine: it ingests a byte source of
// possibly-unknown length, decides between a single-part and a multi-part
// upload, buffers parts in memory with incremental SHA-1s, submits parts
// against leased upload endpoints and finalizes large files.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultContentType is used when the caller does not name one.
const DefaultContentType = "application/octet-stream"

// maxPartNumber is the B2 ceiling on parts per large file.
const maxPartNumber = 10000

// Options tune a single upload.
type Options struct {
	// ContentType of the stored file. Defaults to application/octet-stream.
	ContentType string
	// Info holds custom X-Bz-Info-* metadata, at most 10 entries.
	Info map[string]string
	// SHA1 is the precomputed hex digest of the whole content, when the
	// caller already knows it. Without it, byte uploads hash in memory and
	// sized stream uploads use the deferred-hash trailer.
	SHA1 string
	// ContentLength is the byte length of a stream source when known.
	// Zero or negative means unknown.
	ContentLength int64
	// PartSize caps the bytes buffered per part. Defaults to the account's
	// recommendedPartSize and is clamped up to absoluteMinimumPartSize.
	PartSize int64
	// MaxParallel bounds concurrently in-flight part uploads. Default 1.
	MaxParallel int
	// Retry overrides the executor's retry tuning for the upload endpoints.
	Retry network.RetryConfig
}

// Engine drives one file upload into a bucket.
type Engine struct {
	exec        *network.Executor
	bucketID    string
	bucketPool  *network.Pool
	fileName    string
	opts        Options
	contentType string
	partSize    int64
	maxParallel int
	retry       network.RetryConfig
	logger      log.Logger
}

// NewEngine validates options and binds an engine to a destination file.
// bucketPool is the bucket's single-part upload-URL pool.
func NewEngine(exec *network.Executor, bucketID string, bucketPool *network.Pool, fileName string, opts Options) (*Engine, error) {
	auth := exec.Auth()
	if auth == nil {
		return nil, apierror.New("upload "+fileName, apierror.KindUsage, "client is not authorized")
	}
	if err := validateInfo("upload "+fileName, opts.Info); err != nil {
		return nil, err
	}

	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = auth.RecommendedPartSize
	}
	if partSize < auth.AbsoluteMinimumPartSize {
		partSize = auth.AbsoluteMinimumPartSize
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	retry := opts.Retry
	if retry.MaxRetries == 0 && retry.BackoffBase == 0 {
		retry = exec.Retry()
	}

	return &Engine{
		exec:        exec,
		bucketID:    bucketID,
		bucketPool:  bucketPool,
		fileName:    fileName,
		opts:        opts,
		contentType: contentType,
		partSize:    partSize,
		maxParallel: maxParallel,
		retry:       retry,
		logger:      exec.Logger(),
	}, nil
}

// UploadBytes stores a sized buffer: one POST when it fits in a part,
// otherwise a multi-part upload.
func (en *Engine) UploadBytes(ctx context.Context, data []byte) (*network.File, error) {
	if int64(len(data)) <= en.partSize {
		sha := en.opts.SHA1
		if sha == "" {
			sum := sha1.Sum(data)
			sha = hex.EncodeToString(sum[:])
		}
		return en.singlePart(ctx, bodySpec{
			newReader: func() io.Reader { return bytes.NewReader(data) },
			length:    int64(len(data)),
			sha1:      sha,
		})
	}

	w := en.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		// Close surfaces the first upload error, which is the root cause.
		if cerr := w.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Result()
}

// UploadStream stores a stream. A stream with a known length that fits in
// one part goes out as a single POST, in deferred-hash mode when no SHA-1
// was supplied. Everything else is collected into parts and uploaded as a
// large file; a stream that turns out to fit in the first part is downgraded
// back to a single-part upload at EOF.
func (en *Engine) UploadStream(ctx context.Context, r io.Reader) (*network.File, error) {
	if n := en.opts.ContentLength; n > 0 && n <= en.partSize {
		return en.singlePartSized(ctx, r, n)
	}

	w := en.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		if cerr := w.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Result()
}

// singlePartSized uploads exactly length bytes read from r as one part.
// The bytes are buffered so the POST can be retried; when the caller gave no
// digest the request still uses the hex_digits_at_end trailer contract.
func (en *Engine) singlePartSized(ctx context.Context, r io.Reader, length int64) (*network.File, error) {
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("upload %s: read source: %w", en.fileName, err)
	}

	if en.opts.SHA1 != "" {
		return en.singlePart(ctx, bodySpec{
			newReader: func() io.Reader { return bytes.NewReader(data) },
			length:    length,
			sha1:      en.opts.SHA1,
		})
	}

	return en.singlePart(ctx, bodySpec{
		newReader: func() io.Reader { return NewHashingReader(bytes.NewReader(data)) },
		length:    length + sha1TrailerLen,
		sha1:      SHA1TrailerMarker,
	})
}

func (en *Engine) logSealed(partNumber int, size int64) {
	en.logger.Debugf("part %d sealed (%s)", partNumber, units.HumanSizeWithPrecision(float64(size), 3))
}
