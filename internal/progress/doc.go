// Package progress carries crawl progress out of the hot path. Workers and
// controllers Emit events without blocking; a Hub batches them on a
// background goroutine and fans them out to sinks for logging, metrics, and
// the live status served by the ops API.
package progress
