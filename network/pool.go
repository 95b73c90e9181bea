package network

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Lease is one (uploadUrl, authorizationToken) pair held exclusively by an
// in-flight upload. A failed upload releases its lease as invalid so it is
// never handed out again, except on the statuses that the holder retries
// against the same lease (408, and for single-part uploads also 429 and
// 500); a lease that then succeeds is released as valid.
type Lease struct {
	UploadURL string
	Token     string

	pool  *Pool
	inUse bool
}

// Pool manages upload-URL leases within one scope: a bucket (single-part
// uploads) or a large file (part uploads). Safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	free   []*Lease
	mint   func(ctx context.Context) (*UploadEndpoint, error)
	logger log.Logger
}

// NewBucketPool builds a pool minting via b2_get_upload_url for bucketID.
func NewBucketPool(exec *Executor, bucketID string, logger log.Logger) *Pool {
	if logger == nil {
		logger = exec.Logger()
	}
	return &Pool{
		mint: func(ctx context.Context) (*UploadEndpoint, error) {
			return exec.GetUploadURL(ctx, bucketID)
		},
		logger: logger,
	}
}

// NewPartPool builds a pool minting via b2_get_upload_part_url for fileID.
func NewPartPool(exec *Executor, fileID string, logger log.Logger) *Pool {
	if logger == nil {
		logger = exec.Logger()
	}
	return &Pool{
		mint: func(ctx context.Context) (*UploadEndpoint, error) {
			return exec.GetUploadPartURL(ctx, fileID)
		},
		logger: logger,
	}
}

// Acquire returns a free lease, minting a new one when none is available.
// Minting happens outside the pool lock, so concurrent callers may mint in
// parallel.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		l := p.free[n-1]
		p.free = p.free[:n-1]
		l.inUse = true
		p.mu.Unlock()
		return l, nil
	}
	p.mu.Unlock()

	ep, err := p.mint(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Debugf("minted upload URL %s", ep.UploadURL)
	return &Lease{UploadURL: ep.UploadURL, Token: ep.AuthorizationToken, pool: p, inUse: true}, nil
}

// Release returns the lease to the free set when valid, or drops it. A
// lease may only be released once per acquire.
func (p *Pool) Release(l *Lease, valid bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !l.inUse {
		return
	}
	l.inUse = false
	if valid {
		p.free = append(p.free, l)
		return
	}
	p.logger.Debugf("dropping invalid upload URL %s", l.UploadURL)
}
