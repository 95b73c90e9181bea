package upload

import (
	"net/http"
	"net/url"
	"regexp"

	"github.com/benaubin/b2-go/apierror"
)

// maxInfoHeaders is the B2 limit on X-Bz-Info-* pairs per file.
const maxInfoHeaders = 10

var infoKeyPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

// validateInfo checks the custom file-info map against B2's constraints:
// at most 10 entries, keys limited to [A-Za-z0-9-_].
func validateInfo(op string, info map[string]string) error {
	if len(info) > maxInfoHeaders {
		return apierror.New(op, apierror.KindUsage, "at most %d X-Bz-Info-* entries are allowed, got %d", maxInfoHeaders, len(info))
	}
	for k := range info {
		if !infoKeyPattern.MatchString(k) {
			return apierror.New(op, apierror.KindUsage, "invalid file info key %q", k)
		}
	}
	return nil
}

// setInfoHeaders stamps the X-Bz-Info-* pairs onto an upload request,
// percent-encoding the UTF-8 values.
func setInfoHeaders(h http.Header, info map[string]string) {
	for k, v := range info {
		h.Set("X-Bz-Info-"+k, url.PathEscape(v))
	}
}
