package b2

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
	"github.com/benaubin/b2-go/upload"
)

// FileHandle is a (bucket, identity) pair where the identity is a file
// name, a fileId, or a full metadata record. Missing identity is filled in
// lazily via Stat. Handles are caller-owned and not safe for concurrent
// mutation.
type FileHandle struct {
	b    *Bucket
	name string
	id   string
	meta *FileMetadata
}

// Name returns the file name, if known.
func (f *FileHandle) Name() string { return f.name }

// ID returns the fileId, statting the file if it is not yet known.
func (f *FileHandle) ID(ctx context.Context) (string, error) {
	if f.id == "" {
		if _, err := f.Stat(ctx); err != nil {
			return "", err
		}
	}
	return f.id, nil
}

// Stat returns the file's metadata, fetching it on first call. A handle
// created by name resolves through a single-entry b2_list_file_names batch;
// B2's list API returns the lexicographically next file when the exact name
// is missing, so the result is checked against the requested name.
func (f *FileHandle) Stat(ctx context.Context) (*FileMetadata, error) {
	if f.meta != nil {
		return f.meta, nil
	}

	if f.name != "" {
		bucketID, err := f.b.ID(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := f.b.c.exec.ListFileNames(ctx, network.ListFileNamesRequest{
			BucketID:      bucketID,
			StartFileName: f.name,
			MaxFileCount:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Files) == 0 || resp.Files[0].FileName != f.name {
			return nil, apierror.New("b2_list_file_names", apierror.KindFileNotFound, "file %q not found", f.name)
		}
		meta := resp.Files[0]
		f.meta = &meta
		f.id = meta.FileID
		return f.meta, nil
	}

	if f.id != "" {
		meta, err := f.b.c.exec.GetFileInfo(ctx, f.id)
		if err != nil {
			return nil, err
		}
		f.meta = meta
		f.name = meta.FileName
		return f.meta, nil
	}

	return nil, apierror.New("stat", apierror.KindUsage, "file handle has neither a name nor an id")
}

// ReadStream opens the file for reading and returns its body along with the
// metadata parsed from the response headers. The caller must close the body.
func (f *FileHandle) ReadStream(ctx context.Context) (io.ReadCloser, *FileMetadata, error) {
	return f.read(ctx, "")
}

// ReadRange reads length bytes starting at offset. A negative length reads
// to the end of the file.
func (f *FileHandle) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, *FileMetadata, error) {
	var rng string
	if length < 0 {
		rng = fmt.Sprintf("bytes=%d-", offset)
	} else {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	return f.read(ctx, rng)
}

func (f *FileHandle) read(ctx context.Context, rangeHeader string) (io.ReadCloser, *FileMetadata, error) {
	var resp *http.Response
	var err error
	switch {
	case f.id != "":
		resp, err = f.b.c.exec.DownloadByID(ctx, f.id, rangeHeader)
	case f.name != "":
		var bucketName string
		bucketName, err = f.b.Name(ctx)
		if err != nil {
			return nil, nil, err
		}
		resp, err = f.b.c.exec.DownloadByName(ctx, bucketName, f.name, rangeHeader)
	default:
		return nil, nil, apierror.New("download", apierror.KindUsage, "file handle has neither a name nor an id")
	}
	if err != nil {
		return nil, nil, err
	}

	meta, err := metadataFromHeaders(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, nil, err
	}
	if rangeHeader == "" {
		f.meta = meta
		f.id = meta.FileID
		if f.name == "" {
			f.name = meta.FileName
		}
	}
	return resp.Body, meta, nil
}

// metadataFromHeaders rebuilds a FileMetadata from the X-Bz-* response
// headers of a download.
func metadataFromHeaders(resp *http.Response) (*FileMetadata, error) {
	h := resp.Header
	name, err := url.PathUnescape(h.Get("X-Bz-File-Name"))
	if err != nil {
		return nil, fmt.Errorf("download: malformed X-Bz-File-Name: %w", err)
	}

	var info map[string]string
	for k, vals := range h {
		if strings.HasPrefix(k, "X-Bz-Info-") {
			if info == nil {
				info = make(map[string]string)
			}
			v, err := url.PathUnescape(strings.Join(vals, ","))
			if err != nil {
				v = strings.Join(vals, ",")
			}
			// Header keys arrive canonicalized; B2 treats info keys as
			// case-insensitive, so store them lowercased.
			info[strings.ToLower(strings.TrimPrefix(k, "X-Bz-Info-"))] = v
		}
	}

	var created int64
	if ts := h.Get("X-Bz-Upload-Timestamp"); ts != "" {
		if i, err := strconv.ParseInt(ts, 10, 64); err == nil {
			created = i
		}
	}

	return &FileMetadata{
		FileID:          h.Get("X-Bz-File-Id"),
		FileName:        name,
		ContentLength:   resp.ContentLength,
		ContentSha1:     h.Get("X-Bz-Content-Sha1"),
		ContentType:     h.Get("Content-Type"),
		FileInfo:        info,
		UploadTimestamp: created,
	}, nil
}

// FileWriter is the write-side sink returned by WriteStream. Bytes written
// to it are uploaded as they accumulate; Close finalizes the upload and
// fills in the handle's metadata.
type FileWriter struct {
	w *upload.Writer
	f *FileHandle
}

// WriteStream opens a writable sink that stores everything written to it
// under the handle's name. The sink must be closed; the stored metadata is
// available from Metadata (and the handle's Stat) afterwards.
func (f *FileHandle) WriteStream(ctx context.Context, opts *UploadOptions) (*FileWriter, error) {
	if f.name == "" {
		return nil, apierror.New("upload", apierror.KindUsage, "file handle has no name to upload to")
	}
	en, err := f.b.newEngine(ctx, f.name, opts)
	if err != nil {
		return nil, err
	}
	return &FileWriter{w: en.NewWriter(ctx), f: f}, nil
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	return fw.w.Write(p)
}

// Close finishes the upload. On success the handle's metadata is set; on
// failure the metadata stays unset and the first error is returned.
func (fw *FileWriter) Close() error {
	if err := fw.w.Close(); err != nil {
		return err
	}
	meta, err := fw.w.Result()
	if err != nil {
		return err
	}
	fw.f.meta = meta
	fw.f.id = meta.FileID
	return nil
}

// Metadata returns the stored file's metadata after a successful Close.
func (fw *FileWriter) Metadata() (*FileMetadata, error) {
	return fw.w.Result()
}
