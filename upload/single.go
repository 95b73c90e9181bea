package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
)

// bodySpec describes a replayable single-part body. newReader must return a
// fresh reader per attempt; length is the exact Content-Length (including
// the 40 trailer bytes in deferred-hash mode); sha1 is the header value,
// either a hex digest or SHA1TrailerMarker.
type bodySpec struct {
	newReader func() io.Reader
	length    int64
	sha1      string
}

// singlePart posts the whole file to a leased bucket upload URL, rotating
// the lease and backing off per the classification of each failure.
func (en *Engine) singlePart(ctx context.Context, spec bodySpec) (*network.File, error) {
	op := "b2_upload_file " + en.fileName
	var lease *network.Lease

	for attempt := 0; ; attempt++ {
		if lease == nil {
			var err error
			lease, err = en.bucketPool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, lease.UploadURL, spec.newReader())
		if err != nil {
			en.bucketPool.Release(lease, false)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.ContentLength = spec.length
		req.Header.Set("Authorization", lease.Token)
		req.Header.Set("X-Bz-File-Name", network.EncodeFileName(en.fileName))
		req.Header.Set("Content-Type", en.contentType)
		req.Header.Set("X-Bz-Content-Sha1", spec.sha1)
		req.Header.Set("User-Agent", en.exec.UserAgent())
		setInfoHeaders(req.Header, en.opts.Info)

		resp, err := en.exec.HTTPClient().Do(req)
		if err != nil {
			en.bucketPool.Release(lease, false)
			lease = nil
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			if attempt >= en.retry.MaxRetries {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			delay := en.retry.Backoff(attempt)
			en.logger.Warnf("%s: transport error (%v), retrying in %v", op, err, delay)
			if serr := network.SleepContext(ctx, delay); serr != nil {
				return nil, fmt.Errorf("%s: %w", op, serr)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var f network.File
			err := json.NewDecoder(resp.Body).Decode(&f)
			_ = resp.Body.Close()
			en.bucketPool.Release(lease, true)
			if err != nil {
				return nil, fmt.Errorf("%s: decode response: %w", op, err)
			}
			return &f, nil
		}

		apiErr := apierror.Parse(op, resp.StatusCode, resp.Body)
		_ = resp.Body.Close()

		switch {
		case apiErr.Status == http.StatusMethodNotAllowed:
			// The upload URL only accepts POST; reaching this is a wiring
			// bug, not a server condition.
			en.bucketPool.Release(lease, false)
			return nil, apierror.New(op, apierror.KindUsage, "upload URL rejected the request method")
		case apierror.IsAuthExpiry(apiErr.Status, apiErr.Code):
			// The lease's own token expired, not the account token.
			en.bucketPool.Release(lease, false)
			lease = nil
			if attempt >= en.retry.MaxRetries {
				return nil, apiErr
			}
			en.logger.Debugf("%s: upload token expired, acquiring a fresh upload URL", op)
		case apiErr.Status == http.StatusServiceUnavailable:
			en.bucketPool.Release(lease, false)
			lease = nil
			if attempt >= en.retry.MaxRetries {
				return nil, apiErr
			}
			delay := en.retry.Backoff(attempt)
			en.logger.Warnf("%s: HTTP 503, retrying on a fresh upload URL in %v", op, delay)
			if serr := network.SleepContext(ctx, delay); serr != nil {
				return nil, fmt.Errorf("%s: %w", op, serr)
			}
		case apiErr.Kind.Retryable():
			// 408/429/500 keep the lease.
			if attempt >= en.retry.MaxRetries {
				en.bucketPool.Release(lease, false)
				return nil, apiErr
			}
			delay := en.retry.Backoff(attempt)
			en.logger.Warnf("%s: HTTP %d (%s), retrying in %v", op, apiErr.Status, apiErr.Code, delay)
			if serr := network.SleepContext(ctx, delay); serr != nil {
				return nil, fmt.Errorf("%s: %w", op, serr)
			}
		default:
			en.bucketPool.Release(lease, false)
			return nil, apiErr
		}
	}
}

func partNumberHeader(n int) string {
	return strconv.Itoa(n)
}
