// Package cache implements the disk-backed Cache Store behind every scope.
// A store is rooted at StoragePath/<scope> and partitioned into named regions
// (staging, durable content, manifest history, lifecycle state), one
// directory each. Entries are a body file plus a JSON metadata sidecar that
// records the response status, headers and fingerprint; the sidecar is
// written last and acts as the commit marker. Every single operation is
// atomic (temp file + rename, region drop via tombstone rename) but sequences
// of operations are not transactional, so callers order their steps to stay
// recoverable.
package cache
