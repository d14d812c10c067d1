// Package dedupe tracks recently delivered channel updates so that redelivered
// webhooks and long-poll retries are processed at most once within a window.
package dedupe
