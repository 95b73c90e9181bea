package b2

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/benaubin/b2-go/network"
	"github.com/benaubin/b2-go/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Version of the library, reported in the User-Agent header.
const Version = "0.9.0"

func userAgent() string {
	return fmt.Sprintf("b2-go/%s (%s)", Version, runtime.Version())
}

// FileMetadata is the stored-file record returned by B2.
type FileMetadata = network.File

// UploadOptions tune a single upload; see the upload package for the
// field semantics.
type UploadOptions = upload.Options

// Options configure a Client. The zero value is usable.
type Options struct {
	// HTTPClient overrides the pooled default.
	HTTPClient *http.Client
	// Logger receives debug/warn output. Defaults to log.NewLogger().
	Logger log.Logger
	// Retry tunes the backoff schedule and budget for all requests.
	Retry network.RetryConfig
	// AuthBaseURL overrides the account-authorization endpoint, for tests.
	AuthBaseURL string
	// PartSize is the default part size for uploads. Zero means the
	// account's recommendedPartSize.
	PartSize int64
	// MaxParallelParts bounds concurrent part uploads per file. Default 1.
	MaxParallelParts int
}

// Client is an authorized handle on a B2 account.
type Client struct {
	exec        *network.Executor
	logger      log.Logger
	partSize    int64
	maxParallel int
	caps        Capabilities
}

// Authorize calls b2_authorize_account with the given application key and
// returns a ready Client. The client re-authorizes transparently when the
// token expires.
func Authorize(ctx context.Context, keyID, applicationKey string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	exec := network.NewExecutor(network.ExecutorConfig{
		Credentials: network.Credentials{KeyID: keyID, Key: applicationKey},
		HTTPClient:  opts.HTTPClient,
		Logger:      logger,
		Retry:       opts.Retry,
		AuthBaseURL: opts.AuthBaseURL,
		UserAgent:   userAgent(),
	})
	if err := exec.Authorize(ctx); err != nil {
		return nil, err
	}

	return &Client{
		exec:        exec,
		logger:      logger,
		partSize:    opts.PartSize,
		maxParallel: opts.MaxParallelParts,
		caps:        ParseCapabilities(exec.Auth().Allowed.Capabilities),
	}, nil
}

// Authorization returns the current authorization state snapshot.
func (c *Client) Authorization() *network.AuthState {
	return c.exec.Auth()
}

// Can reports whether the application key carries all given capabilities.
// As a special case an empty capability set reports true for everything.
func (c *Client) Can(caps Capabilities) bool {
	if c.caps == 0 {
		return true
	}
	return c.caps&caps == caps
}

// Bucket returns a handle on the named bucket. The bucket id is resolved
// lazily on first use.
func (c *Client) Bucket(name string) *Bucket {
	return &Bucket{c: c, name: name}
}

// BucketByID returns a handle on a bucket by its id.
func (c *Client) BucketByID(id string) *Bucket {
	return &Bucket{c: c, id: id}
}
