package b2

import (
	"fmt"

	"github.com/docker/go-units"
)

// ParsePartSize converts a human-readable size such as "100MB" or "64MiB"
// into bytes, for use as Options.PartSize or UploadOptions.PartSize. The
// value is clamped to the account's absoluteMinimumPartSize at upload time.
func ParsePartSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse part size %q: %w", s, err)
	}
	return n, nil
}
