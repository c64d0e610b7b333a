// Package cache implements the durable embedding cache: a keyed store
// mapping (content digest, embedding model identity) to the vector and
// chunk metadata produced for it, so a later refresh that sees the same
// content again can skip re-embedding entirely.
package cache

import "time"

// Entry is one cached embedding, keyed by (CacheKey, ArtifactID).
// CacheKey is the content digest of the whole file the chunk came from,
// not the chunk's own digest: every chunk produced from one file version
// shares a single CacheKey, so a refresh that finds a file unchanged can
// pull back all of its cached chunks with one Get call instead of
// re-chunking to rediscover each chunk's own digest. ArtifactID stably
// identifies the embedding provider, model name, and dimension that
// produced it, so swapping models never collides with stale vectors from
// a different one.
type Entry struct {
	UUID        string
	CacheKey    string
	Path        string
	ArtifactID  string
	Vector      []float32
	StartLine   int
	EndLine     int
	Contents    string
	LanguageTag string
	CreatedAt   time.Time
}

// Stats summarizes the cache's current footprint.
type Stats struct {
	Rows  int64
	Bytes int64
}
