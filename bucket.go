package b2

import (
	"context"
	"io"
	"sync"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
	"github.com/benaubin/b2-go/upload"
	"github.com/bmatcuk/doublestar/v4"
)

// Bucket is a handle on one bucket, identified by name or id; the missing
// half of the identity is resolved lazily via b2_list_buckets. The bucket
// also owns the upload-URL pool for its single-part uploads.
type Bucket struct {
	c *Client

	mu   sync.Mutex
	name string
	id   string
	pool *network.Pool
}

// ID returns the bucket id, resolving it by name on first call.
func (b *Bucket) ID(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id == "" {
		if err := b.resolveLocked(ctx); err != nil {
			return "", err
		}
	}
	return b.id, nil
}

// Name returns the bucket name, resolving it by id on first call.
func (b *Bucket) Name(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.name == "" {
		if err := b.resolveLocked(ctx); err != nil {
			return "", err
		}
	}
	return b.name, nil
}

func (b *Bucket) resolveLocked(ctx context.Context) error {
	infos, err := b.c.exec.ListBuckets(ctx, b.id, b.name)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.BucketID == b.id || info.BucketName == b.name {
			b.id = info.BucketID
			b.name = info.BucketName
			return nil
		}
	}
	ident := b.name
	if ident == "" {
		ident = b.id
	}
	return apierror.New("b2_list_buckets", apierror.KindFileNotFound, "bucket %q not found", ident)
}

// uploadPool returns the bucket's single-part upload-URL pool, creating it
// once the bucket id is known.
func (b *Bucket) uploadPool(ctx context.Context) (*network.Pool, string, error) {
	id, err := b.ID(ctx)
	if err != nil {
		return nil, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		b.pool = network.NewBucketPool(b.c.exec, id, b.c.logger)
	}
	return b.pool, id, nil
}

func (b *Bucket) newEngine(ctx context.Context, name string, opts *UploadOptions) (*upload.Engine, error) {
	pool, id, err := b.uploadPool(ctx)
	if err != nil {
		return nil, err
	}
	var o UploadOptions
	if opts != nil {
		o = *opts
	}
	if o.PartSize == 0 {
		o.PartSize = b.c.partSize
	}
	if o.MaxParallel == 0 {
		o.MaxParallel = b.c.maxParallel
	}
	return upload.NewEngine(b.c.exec, id, pool, name, o)
}

// Upload stores data under name and returns the stored file's metadata.
// Buffers up to one part size go out as a single POST; anything larger
// becomes a multi-part large file.
func (b *Bucket) Upload(ctx context.Context, name string, data []byte, opts *UploadOptions) (*FileMetadata, error) {
	en, err := b.newEngine(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return en.UploadBytes(ctx, data)
}

// UploadStream stores the contents of r under name. Set
// UploadOptions.ContentLength when the length is known; short sized streams
// then go out as one deferred-hash POST.
func (b *Bucket) UploadStream(ctx context.Context, name string, r io.Reader, opts *UploadOptions) (*FileMetadata, error) {
	en, err := b.newEngine(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return en.UploadStream(ctx, r)
}

// File returns a handle on the named file in this bucket.
func (b *Bucket) File(name string) *FileHandle {
	return &FileHandle{b: b, name: name}
}

// FileByID returns a handle on a file by its fileId.
func (b *Bucket) FileByID(id string) *FileHandle {
	return &FileHandle{b: b, id: id}
}

// ListOptions tune a bucket listing.
type ListOptions struct {
	// Prefix restricts the listing to names starting with it.
	Prefix string
	// Delimiter folds names at the delimiter, B2's folder emulation.
	Delimiter string
	// Glob filters returned names client-side with a doublestar pattern,
	// e.g. "logs/**/*.gz".
	Glob string
	// PageSize is the maxFileCount per request. Zero lets the server pick.
	PageSize int
	// StartName begins the listing at the given name.
	StartName string
}

// Files returns a lazy iterator over the bucket's files. The sequence is
// finite and not restartable.
func (b *Bucket) Files(ctx context.Context, opts *ListOptions) *FileIterator {
	it := &FileIterator{b: b, ctx: ctx}
	if opts != nil {
		it.opts = *opts
	}
	it.next = &it.opts.StartName
	if it.opts.Glob != "" {
		if !doublestar.ValidatePattern(it.opts.Glob) {
			it.err = apierror.New("list files", apierror.KindUsage, "invalid glob pattern %q", it.opts.Glob)
			it.done = true
		}
	}
	return it
}

// FileIterator walks b2_list_file_names page by page.
type FileIterator struct {
	b    *Bucket
	ctx  context.Context
	opts ListOptions

	page []network.File
	idx  int
	next *string
	done bool
	err  error
	cur  *FileHandle
}

// Next advances the iterator. It returns false at the end of the listing or
// on error; check Err afterwards.
func (it *FileIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		for it.idx < len(it.page) {
			f := it.page[it.idx]
			it.idx++
			if it.opts.Glob != "" {
				ok, _ := doublestar.Match(it.opts.Glob, f.FileName)
				if !ok {
					continue
				}
			}
			meta := f
			it.cur = &FileHandle{b: it.b, name: f.FileName, id: f.FileID, meta: &meta}
			return true
		}
		if it.done || it.next == nil {
			return false
		}
		if !it.fetch() {
			return false
		}
	}
}

func (it *FileIterator) fetch() bool {
	bucketID, err := it.b.ID(it.ctx)
	if err != nil {
		it.err = err
		return false
	}
	resp, err := it.b.c.exec.ListFileNames(it.ctx, network.ListFileNamesRequest{
		BucketID:      bucketID,
		StartFileName: *it.next,
		MaxFileCount:  it.opts.PageSize,
		Prefix:        it.opts.Prefix,
		Delimiter:     it.opts.Delimiter,
	})
	if err != nil {
		it.err = err
		return false
	}
	it.page = resp.Files
	it.idx = 0
	it.next = resp.NextFileName
	if it.next == nil {
		it.done = true
	}
	return len(it.page) > 0 || !it.done
}

// File returns the handle the last Next call produced.
func (it *FileIterator) File() *FileHandle {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *FileIterator) Err() error {
	return it.err
}
