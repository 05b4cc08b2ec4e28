// Package crawler defines the cursor, candidate, and record types shared by
// every stage of an incremental crawl, the interfaces those stages depend on,
// and the error taxonomy used to decide between retrying, skipping, and
// aborting.
package crawler
