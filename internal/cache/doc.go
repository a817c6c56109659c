// Package cache defines the versioned bucket storage behind the offline cache
// proxy. A Storage holds named Buckets (one per cache version) and remembers
// which version last activated; a Bucket maps a request identity (method +
// absolute URL) to a stored response. Three backends share the same contract:
// a directory tree with temp file + rename writes, a LevelDB database using
// write batches, and a SQLite database using transactions. PutAll is the
// all-or-nothing primitive install relies on; Put is a single-key upsert with
// last-write-wins semantics for concurrent writers.
package cache
