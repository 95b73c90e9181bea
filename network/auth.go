package network

// Credentials identify a B2 application key. Both fields are opaque strings
// handed out by Backblaze; they are combined into HTTP Basic credentials on
// the authorize call and never sent anywhere else.
type Credentials struct {
	KeyID string
	Key   string
}

// Allowed describes the capability restrictions attached to an application
// key, as reported by b2_authorize_account.
type Allowed struct {
	Capabilities []string `json:"capabilities"`
	BucketID     string   `json:"bucketId"`
	BucketName   string   `json:"bucketName"`
	NamePrefix   string   `json:"namePrefix"`
}

// AuthState is the result of b2_authorize_account. A new value replaces the
// old one wholesale on re-authorization; individual fields are never mutated
// in place, so a snapshot taken before a request stays consistent.
type AuthState struct {
	AccountID               string  `json:"accountId"`
	AuthorizationToken      string  `json:"authorizationToken"`
	APIURL                  string  `json:"apiUrl"`
	DownloadURL             string  `json:"downloadUrl"`
	RecommendedPartSize     int64   `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64   `json:"absoluteMinimumPartSize"`
	Allowed                 Allowed `json:"allowed"`
}
