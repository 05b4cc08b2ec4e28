// Package main hosts the crawler entrypoint.
//
// The binary loads configuration (file plus CRAWLER_* environment
// overrides), builds the storage backends, source adapters and progress
// sinks, then crawls every enabled source incrementally. Without a schedule
// it crawls once and exits; with run.schedule set it keeps crawling on the
// cron spec until SIGINT or SIGTERM. A signal stops listing fetches, lets
// dispatched candidates finish within run.grace_period, and flushes each
// source's checkpoint before exit.
//
// Exit status is 0 on success, 1 when any source failed, and 2 for
// configuration errors.
//
//	go run ./cmd/crawler -config config.yaml
//	go run ./cmd/crawler -config config.yaml -once
package main
