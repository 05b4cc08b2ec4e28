// Package memory keeps checkpoints, dedup logs, records, and blobs in
// process memory for tests and dry runs. Nothing survives a restart.
package memory
