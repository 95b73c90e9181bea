// Package b2 is a client library for Backblaze B2 cloud object storage.
//
// A Client is obtained with Authorize. From there, Bucket and FileHandle
// values give access to uploads (single-part or large-file multi-part,
// chosen automatically), downloads, listings and file metadata:
//
//	client, err := b2.Authorize(ctx, keyID, appKey, nil)
//	if err != nil { ... }
//	bucket := client.Bucket("backups")
//	meta, err := bucket.Upload(ctx, "2026/08/db.dump", data, nil)
//
// Streaming uploads of unknown length go through FileHandle.WriteStream;
// the engine buffers parts in memory, uploads them against leased upload
// URLs and finalizes the large file, falling back to a plain single-part
// upload when everything fits in one part.
package b2
