package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaubin/b2-go/apierror"
	"github.com/benaubin/b2-go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha1hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

type recordedUpload struct {
	auth          string
	fileName      string
	contentType   string
	sha1Header    string
	contentLength int64
	infoHeaders   map[string]string
	body          []byte
}

type recordedPart struct {
	auth string
	sha  string
	body []byte
}

type apiFailure struct {
	status int
	code   string
}

// fakeB2 emulates the slice of the B2 API the upload engine touches. The
// onUpload / onPartUpload hooks can inject canned failures, keyed by the
// 1-based count of POSTs seen so far.
type fakeB2 struct {
	t      *testing.T
	server *httptest.Server

	onUpload     func(n int) *apiFailure
	onPartUpload func(n int) *apiFailure

	mu             sync.Mutex
	uploadTokens   map[string]string
	mintedURLs     int
	mintedPartURLs int
	startCalls     int
	cancelCalls    int
	uploadPosts    int
	partPosts      int
	finishSha1s    []string
	uploads        []recordedUpload
	parts          map[int]recordedPart
	partOrder      []int
	startName      string
	startInfo      map[string]string
}

func newFakeB2(t *testing.T) *fakeB2 {
	f := &fakeB2{
		t:            t,
		uploadTokens: map[string]string{},
		parts:        map[int]recordedPart{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeB2) fail(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "code": code, "message": code})
}

func (f *fakeB2) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/b2api/v2/b2_authorize_account":
		_ = json.NewEncoder(w).Encode(network.AuthState{
			AccountID:               "acct1",
			AuthorizationToken:      "acct-token",
			APIURL:                  f.server.URL,
			DownloadURL:             f.server.URL,
			RecommendedPartSize:     100,
			AbsoluteMinimumPartSize: 1,
		})
	case r.URL.Path == "/b2api/v2/b2_get_upload_url":
		f.mu.Lock()
		f.mintedURLs++
		n := f.mintedURLs
		path := fmt.Sprintf("/upload/u%d", n)
		token := fmt.Sprintf("utok-%d", n)
		f.uploadTokens[path] = token
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(network.UploadEndpoint{UploadURL: f.server.URL + path, AuthorizationToken: token})
	case r.URL.Path == "/b2api/v2/b2_get_upload_part_url":
		f.mu.Lock()
		f.mintedPartURLs++
		n := f.mintedPartURLs
		path := fmt.Sprintf("/uploadpart/p%d", n)
		token := fmt.Sprintf("ptok-%d", n)
		f.uploadTokens[path] = token
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(network.UploadEndpoint{UploadURL: f.server.URL + path, AuthorizationToken: token})
	case r.URL.Path == "/b2api/v2/b2_start_large_file":
		var req struct {
			BucketID    string            `json:"bucketId"`
			FileName    string            `json:"fileName"`
			ContentType string            `json:"contentType"`
			FileInfo    map[string]string `json:"fileInfo"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.startCalls++
		f.startName = req.FileName
		f.startInfo = req.FileInfo
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(network.File{FileID: "lf1", FileName: req.FileName, BucketID: req.BucketID})
	case r.URL.Path == "/b2api/v2/b2_finish_large_file":
		var req struct {
			FileID        string   `json:"fileId"`
			PartSha1Array []string `json:"partSha1Array"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.finishSha1s = req.PartSha1Array
		name := f.startName
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(network.File{FileID: req.FileID, FileName: name, Action: "upload"})
	case r.URL.Path == "/b2api/v2/b2_cancel_large_file":
		f.mu.Lock()
		f.cancelCalls++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{})
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		f.serveUpload(w, r)
	case strings.HasPrefix(r.URL.Path, "/uploadpart/"):
		f.servePartUpload(w, r)
	default:
		f.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		f.fail(w, 500, "internal_error")
	}
}

func (f *fakeB2) serveUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.uploadPosts++
	n := f.uploadPosts
	wantToken := f.uploadTokens[r.URL.Path]
	f.mu.Unlock()

	if f.onUpload != nil {
		if fail := f.onUpload(n); fail != nil {
			f.fail(w, fail.status, fail.code)
			return
		}
	}
	if r.Header.Get("Authorization") != wantToken {
		f.fail(w, 401, "bad_auth_token")
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	shaHeader := r.Header.Get("X-Bz-Content-Sha1")
	content := body
	if shaHeader == SHA1TrailerMarker {
		require.GreaterOrEqual(f.t, len(body), 40)
		content = body[:len(body)-40]
		trailer := string(body[len(body)-40:])
		require.Equal(f.t, sha1hex(content), trailer)
	} else {
		require.Equal(f.t, sha1hex(body), shaHeader)
	}

	info := map[string]string{}
	for k, vals := range r.Header {
		if strings.HasPrefix(k, "X-Bz-Info-") {
			info[strings.TrimPrefix(k, "X-Bz-Info-")] = vals[0]
		}
	}

	f.mu.Lock()
	f.uploads = append(f.uploads, recordedUpload{
		auth:          r.Header.Get("Authorization"),
		fileName:      r.Header.Get("X-Bz-File-Name"),
		contentType:   r.Header.Get("Content-Type"),
		sha1Header:    shaHeader,
		contentLength: r.ContentLength,
		infoHeaders:   info,
		body:          body,
	})
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(network.File{
		FileID:        "f-single",
		FileName:      r.Header.Get("X-Bz-File-Name"),
		ContentLength: int64(len(content)),
		ContentSha1:   sha1hex(content),
		ContentType:   r.Header.Get("Content-Type"),
		Action:        "upload",
	})
}

func (f *fakeB2) servePartUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.partPosts++
	n := f.partPosts
	wantToken := f.uploadTokens[r.URL.Path]
	f.mu.Unlock()

	if f.onPartUpload != nil {
		if fail := f.onPartUpload(n); fail != nil {
			f.fail(w, fail.status, fail.code)
			return
		}
	}
	if r.Header.Get("Authorization") != wantToken {
		f.fail(w, 401, "bad_auth_token")
		return
	}

	num, err := strconv.Atoi(r.Header.Get("X-Bz-Part-Number"))
	require.NoError(f.t, err)
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	require.Equal(f.t, sha1hex(body), r.Header.Get("X-Bz-Content-Sha1"))

	f.mu.Lock()
	f.parts[num] = recordedPart{
		auth: r.Header.Get("Authorization"),
		sha:  r.Header.Get("X-Bz-Content-Sha1"),
		body: body,
	}
	f.partOrder = append(f.partOrder, num)
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"fileId": "lf1", "partNumber": num, "contentSha1": r.Header.Get("X-Bz-Content-Sha1"),
	})
}

func (f *fakeB2) engine(t *testing.T, fileName string, opts Options) (*Engine, *network.Executor) {
	exec := network.NewExecutor(network.ExecutorConfig{
		Credentials: network.Credentials{KeyID: "key", Key: "secret"},
		AuthBaseURL: f.server.URL,
		Retry:       network.RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond},
	})
	require.NoError(t, exec.Authorize(context.Background()))
	pool := network.NewBucketPool(exec, "bkt1", nil)
	en, err := NewEngine(exec, "bkt1", pool, fileName, opts)
	require.NoError(t, err)
	return en, exec
}

func TestSinglePartSmallBuffer(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "a.txt", Options{})

	meta, err := en.UploadBytes(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Len(t, f.uploads, 1)

	up := f.uploads[0]
	assert.Equal(t, "a.txt", up.fileName)
	assert.Equal(t, "application/octet-stream", up.contentType)
	assert.EqualValues(t, 5, up.contentLength)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", up.sha1Header)
	assert.Equal(t, 0, f.startCalls)
	assert.Equal(t, "f-single", meta.FileID)
	assert.EqualValues(t, 5, meta.ContentLength)
}

func TestExactPartBoundaryStaysSinglePart(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "a.txt", Options{PartSize: 5})

	_, err := en.UploadBytes(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, f.uploads, 1)
	assert.Equal(t, 0, f.startCalls)
}

func TestMultiPartThreeParts(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "big.bin", Options{PartSize: 5})

	meta, err := en.UploadBytes(context.Background(), []byte("helloworld!"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.startCalls)
	assert.Equal(t, "big.bin", f.startName)
	require.Len(t, f.parts, 3)
	assert.Equal(t, "hello", string(f.parts[1].body))
	assert.Equal(t, "world", string(f.parts[2].body))
	assert.Equal(t, "!", string(f.parts[3].body))

	assert.Equal(t, []string{
		"aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d",
		"7c211433f02071597741e6ff5a8ea34789abbf43",
		"0ab8318acaf6e678dd02e2b5c343ed41111b393d",
	}, f.finishSha1s)
	assert.Equal(t, "big.bin", meta.FileName)
}

func TestPartSplit(t *testing.T) {
	const partSize = 7
	sizes := []int{8, 14, 15, 40, 99}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			f := newFakeB2(t)
			en, _ := f.engine(t, "split.bin", Options{PartSize: partSize})

			data := make([]byte, size)
			for i := range data {
				data[i] = byte(i * 31)
			}

			_, err := en.UploadBytes(context.Background(), data)
			require.NoError(t, err)

			wantParts := (size + partSize - 1) / partSize
			require.Len(t, f.parts, wantParts)
			require.Len(t, f.finishSha1s, wantParts)

			var reassembled []byte
			for n := 1; n <= wantParts; n++ {
				part, ok := f.parts[n]
				require.True(t, ok, "missing part %d", n)
				if n < wantParts {
					assert.Len(t, part.body, partSize)
				}
				assert.Equal(t, part.sha, f.finishSha1s[n-1])
				reassembled = append(reassembled, part.body...)
			}
			assert.Equal(t, data, reassembled)
		})
	}
}

func TestConcurrentPartsOrderedFinish(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "par.bin", Options{PartSize: 5, MaxParallel: 4})

	data := make([]byte, 52)
	for i := range data {
		data[i] = byte(i)
	}

	_, err := en.UploadBytes(context.Background(), data)
	require.NoError(t, err)

	const wantParts = 11
	require.Len(t, f.parts, wantParts)

	// The observed part numbers are a permutation of 1..K.
	seen := append([]int(nil), f.partOrder...)
	sort.Ints(seen)
	for i, n := range seen {
		assert.Equal(t, i+1, n)
	}

	// The finish array is ordered by part number regardless of completion
	// order.
	require.Len(t, f.finishSha1s, wantParts)
	var reassembled []byte
	for n := 1; n <= wantParts; n++ {
		assert.Equal(t, f.parts[n].sha, f.finishSha1s[n-1])
		reassembled = append(reassembled, f.parts[n].body...)
	}
	assert.Equal(t, data, reassembled)
}

func TestExpiredUploadTokenRotatesLease(t *testing.T) {
	f := newFakeB2(t)
	f.onUpload = func(n int) *apiFailure {
		if n == 1 {
			return &apiFailure{status: 401, code: "expired_auth_token"}
		}
		return nil
	}
	en, _ := f.engine(t, "a.txt", Options{})

	_, err := en.UploadBytes(context.Background(), []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.mintedURLs)
	assert.Equal(t, 2, f.uploadPosts)
	require.Len(t, f.uploads, 1)
	assert.Equal(t, "utok-2", f.uploads[0].auth)
}

func TestSinglePart503Backoff(t *testing.T) {
	f := newFakeB2(t)
	f.onUpload = func(n int) *apiFailure {
		if n <= 2 {
			return &apiFailure{status: 503, code: "service_unavailable"}
		}
		return nil
	}
	base := 20 * time.Millisecond
	en, _ := f.engine(t, "a.txt", Options{Retry: network.RetryConfig{MaxRetries: 5, BackoffBase: base}})

	start := time.Now()
	_, err := en.UploadBytes(context.Background(), []byte("hello"))
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 3, f.uploadPosts)
	// Equal-jitter lower bound for the two sleeps: base/2 + base.
	assert.GreaterOrEqual(t, elapsed, base/2+base)
	// 503 invalidates the lease, so each attempt minted a fresh URL.
	assert.Equal(t, 3, f.mintedURLs)
}

func TestDeferredHashStream(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "s.bin", Options{ContentLength: 10})

	src := []byte("0123456789")
	_, err := en.UploadStream(context.Background(), bytes.NewReader(src))
	require.NoError(t, err)

	require.Len(t, f.uploads, 1)
	up := f.uploads[0]
	assert.Equal(t, SHA1TrailerMarker, up.sha1Header)
	assert.EqualValues(t, 50, up.contentLength)
	require.Len(t, up.body, 50)
	assert.Equal(t, src, up.body[:10])
	assert.Equal(t, sha1hex(src), string(up.body[10:]))
}

func TestStreamDowngradesToSinglePart(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "small.bin", Options{PartSize: 10})

	_, err := en.UploadStream(context.Background(), strings.NewReader("tiny"))
	require.NoError(t, err)

	assert.Equal(t, 0, f.startCalls)
	require.Len(t, f.uploads, 1)
	assert.Equal(t, "tiny", string(f.uploads[0].body))
	assert.Equal(t, sha1hex([]byte("tiny")), f.uploads[0].sha1Header)
}

func TestStreamAtExactBoundaryStaysSinglePart(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "edge.bin", Options{PartSize: 5})

	_, err := en.UploadStream(context.Background(), strings.NewReader("hello"))
	require.NoError(t, err)

	assert.Equal(t, 0, f.startCalls)
	require.Len(t, f.uploads, 1)
	assert.Equal(t, "hello", string(f.uploads[0].body))
}

func TestWriteAfterCloseFails(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "w.bin", Options{PartSize: 5})

	w := en.NewWriter(context.Background())
	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("more"))
	require.Error(t, err)
	assert.Equal(t, apierror.KindUsage, apierror.KindOf(err))
}

func TestPartUploadLeaseRotationOn401(t *testing.T) {
	f := newFakeB2(t)
	f.onPartUpload = func(n int) *apiFailure {
		if n == 1 {
			return &apiFailure{status: 401, code: "bad_auth_token"}
		}
		return nil
	}
	en, _ := f.engine(t, "p.bin", Options{PartSize: 5})

	_, err := en.UploadBytes(context.Background(), []byte("helloworld"))
	require.NoError(t, err)

	// The offending lease was dropped and a fresh one minted before retry.
	assert.GreaterOrEqual(t, f.mintedPartURLs, 2)
	for n, part := range f.parts {
		assert.NotEqual(t, "ptok-1", part.auth, "part %d reused a dropped lease", n)
	}
}

func TestPartFailureCancelsLargeFile(t *testing.T) {
	f := newFakeB2(t)
	f.onPartUpload = func(n int) *apiFailure {
		return &apiFailure{status: 400, code: "bad_request"}
	}
	en, _ := f.engine(t, "fail.bin", Options{PartSize: 5})

	_, err := en.UploadBytes(context.Background(), []byte("helloworld!"))
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
	assert.Equal(t, 1, f.cancelCalls)
	assert.Empty(t, f.finishSha1s)
}

func TestInfoHeaders(t *testing.T) {
	f := newFakeB2(t)
	en, _ := f.engine(t, "i.bin", Options{
		Info: map[string]string{"src-machine": "builder 1"},
	})

	_, err := en.UploadBytes(context.Background(), []byte("x"))
	require.NoError(t, err)

	require.Len(t, f.uploads, 1)
	assert.Equal(t, "builder%201", f.uploads[0].infoHeaders["Src-Machine"])
}

func TestInfoValidation(t *testing.T) {
	f := newFakeB2(t)

	tooMany := map[string]string{}
	for i := 0; i < 11; i++ {
		tooMany[fmt.Sprintf("k%d", i)] = "v"
	}

	tests := []struct {
		name string
		info map[string]string
	}{
		{name: "too many entries", info: tooMany},
		{name: "invalid key", info: map[string]string{"bad key!": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := network.NewExecutor(network.ExecutorConfig{
				Credentials: network.Credentials{KeyID: "key", Key: "secret"},
				AuthBaseURL: f.server.URL,
			})
			require.NoError(t, exec.Authorize(context.Background()))
			pool := network.NewBucketPool(exec, "bkt1", nil)
			_, err := NewEngine(exec, "bkt1", pool, "x.bin", Options{Info: tt.info})
			require.Error(t, err)
			assert.Equal(t, apierror.KindUsage, apierror.KindOf(err))
		})
	}
}
