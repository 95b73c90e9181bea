package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
)

// uploadPart posts one sealed part to a leased per-large-file endpoint and
// returns its hex digest. Retry policy, keyed to status: 401 and 503 drop
// the lease and take a fresh one, 408 backs off against the same lease,
// transport failures drop the lease; everything else is terminal.
func (en *Engine) uploadPart(ctx context.Context, pool *network.Pool, buf *partBuffer, partNumber int) (string, error) {
	op := fmt.Sprintf("b2_upload_part %d of %s", partNumber, en.fileName)
	sha := buf.sum()
	var lease *network.Lease

	for attempt := 0; ; attempt++ {
		if lease == nil {
			var err error
			lease, err = pool.Acquire(ctx)
			if err != nil {
				return "", err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, lease.UploadURL, bytes.NewReader(buf.bytes()))
		if err != nil {
			pool.Release(lease, false)
			return "", fmt.Errorf("%s: %w", op, err)
		}
		req.ContentLength = buf.size()
		req.Header.Set("Authorization", lease.Token)
		req.Header.Set("X-Bz-Part-Number", partNumberHeader(partNumber))
		req.Header.Set("X-Bz-Content-Sha1", sha)
		req.Header.Set("User-Agent", en.exec.UserAgent())

		resp, err := en.exec.HTTPClient().Do(req)
		if err != nil {
			pool.Release(lease, false)
			lease = nil
			if ctx.Err() != nil {
				return "", fmt.Errorf("%s: %w", op, ctx.Err())
			}
			if attempt >= en.retry.MaxRetries {
				return "", fmt.Errorf("%s: %w", op, err)
			}
			delay := en.retry.Backoff(attempt)
			en.logger.Warnf("%s: transport error (%v), retrying in %v", op, err, delay)
			if serr := network.SleepContext(ctx, delay); serr != nil {
				return "", fmt.Errorf("%s: %w", op, serr)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			pool.Release(lease, true)
			return sha, nil
		}

		apiErr := apierror.Parse(op, resp.StatusCode, resp.Body)
		_ = resp.Body.Close()

		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusServiceUnavailable:
			pool.Release(lease, false)
			lease = nil
			if attempt >= en.retry.MaxRetries {
				if apiErr.Status == http.StatusUnauthorized {
					apiErr.Kind = apierror.KindUnauthorized
				}
				return "", apiErr
			}
			en.logger.Warnf("%s: HTTP %d (%s), retrying on a fresh upload URL", op, apiErr.Status, apiErr.Code)
		case http.StatusRequestTimeout:
			if attempt >= en.retry.MaxRetries {
				pool.Release(lease, false)
				return "", apiErr
			}
			delay := en.retry.BackoffNoJitter(attempt)
			en.logger.Warnf("%s: HTTP 408, retrying in %v", op, delay)
			if serr := network.SleepContext(ctx, delay); serr != nil {
				pool.Release(lease, false)
				return "", fmt.Errorf("%s: %w", op, serr)
			}
		default:
			pool.Release(lease, false)
			return "", apiErr
		}
	}
}
