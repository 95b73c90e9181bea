package network

import (
	"context"
	"time"

	"github.com/benaubin/b2-go/apierror"
)

func notAuthorized(op string) error {
	return apierror.New(op, apierror.KindUsage, "client is not authorized")
}

// File is the metadata record B2 returns for a stored file.
type File struct {
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	AccountID       string            `json:"accountId"`
	BucketID        string            `json:"bucketId"`
	Action          string            `json:"action"`
	ContentLength   int64             `json:"contentLength"`
	ContentSha1     string            `json:"contentSha1"`
	ContentType     string            `json:"contentType"`
	FileInfo        map[string]string `json:"fileInfo"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
}

// Created converts the upload timestamp (unix milliseconds) to a time.Time.
func (f *File) Created() time.Time {
	return time.Unix(f.UploadTimestamp/1000, (f.UploadTimestamp%1000)*int64(time.Millisecond))
}

// BucketInfo is one entry from b2_list_buckets.
type BucketInfo struct {
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
	BucketType string `json:"bucketType"`
}

type listBucketsRequest struct {
	AccountID  string `json:"accountId"`
	BucketID   string `json:"bucketId,omitempty"`
	BucketName string `json:"bucketName,omitempty"`
}

type listBucketsResponse struct {
	Buckets []BucketInfo `json:"buckets"`
}

// ListBuckets wraps b2_list_buckets, filtered by id or name when non-empty.
func (e *Executor) ListBuckets(ctx context.Context, bucketID, bucketName string) ([]BucketInfo, error) {
	st := e.Auth()
	if st == nil {
		return nil, notAuthorized("b2_list_buckets")
	}
	req := listBucketsRequest{AccountID: st.AccountID, BucketID: bucketID, BucketName: bucketName}
	var resp listBucketsResponse
	if err := e.API(ctx, "b2_list_buckets", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

// ListFileNamesRequest parameterizes b2_list_file_names.
type ListFileNamesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

// ListFileNamesResponse is one page of file names. NextFileName is nil when
// the listing is exhausted.
type ListFileNamesResponse struct {
	Files        []File  `json:"files"`
	NextFileName *string `json:"nextFileName"`
}

// ListFileNames wraps b2_list_file_names.
func (e *Executor) ListFileNames(ctx context.Context, req ListFileNamesRequest) (*ListFileNamesResponse, error) {
	var resp ListFileNamesResponse
	if err := e.API(ctx, "b2_list_file_names", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadEndpoint is a mint-issued upload target: a URL plus the token that
// authorizes posts to it. Issued per bucket (b2_get_upload_url) or per large
// file (b2_get_upload_part_url).
type UploadEndpoint struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type getUploadURLRequest struct {
	BucketID string `json:"bucketId"`
}

// GetUploadURL wraps b2_get_upload_url.
func (e *Executor) GetUploadURL(ctx context.Context, bucketID string) (*UploadEndpoint, error) {
	var resp UploadEndpoint
	if err := e.API(ctx, "b2_get_upload_url", &getUploadURLRequest{BucketID: bucketID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type getUploadPartURLRequest struct {
	FileID string `json:"fileId"`
}

// GetUploadPartURL wraps b2_get_upload_part_url.
func (e *Executor) GetUploadPartURL(ctx context.Context, fileID string) (*UploadEndpoint, error) {
	var resp UploadEndpoint
	if err := e.API(ctx, "b2_get_upload_part_url", &getUploadPartURLRequest{FileID: fileID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type startLargeFileRequest struct {
	BucketID    string            `json:"bucketId"`
	FileName    string            `json:"fileName"`
	ContentType string            `json:"contentType"`
	FileInfo    map[string]string `json:"fileInfo,omitempty"`
}

// StartLargeFile wraps b2_start_large_file.
func (e *Executor) StartLargeFile(ctx context.Context, bucketID, fileName, contentType string, info map[string]string) (*File, error) {
	req := startLargeFileRequest{
		BucketID:    bucketID,
		FileName:    fileName,
		ContentType: contentType,
		FileInfo:    info,
	}
	var resp File
	if err := e.API(ctx, "b2_start_large_file", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSha1Array []string `json:"partSha1Array"`
}

// FinishLargeFile wraps b2_finish_large_file. partSha1s must be ordered by
// part number.
func (e *Executor) FinishLargeFile(ctx context.Context, fileID string, partSha1s []string) (*File, error) {
	var resp File
	if err := e.API(ctx, "b2_finish_large_file", &finishLargeFileRequest{FileID: fileID, PartSha1Array: partSha1s}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type getFileInfoRequest struct {
	FileID string `json:"fileId"`
}

// GetFileInfo wraps b2_get_file_info.
func (e *Executor) GetFileInfo(ctx context.Context, fileID string) (*File, error) {
	var resp File
	if err := e.API(ctx, "b2_get_file_info", &getFileInfoRequest{FileID: fileID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type cancelLargeFileRequest struct {
	FileID string `json:"fileId"`
}

// CancelLargeFile wraps b2_cancel_large_file.
func (e *Executor) CancelLargeFile(ctx context.Context, fileID string) error {
	return e.API(ctx, "b2_cancel_large_file", &cancelLargeFileRequest{FileID: fileID}, nil)
}
