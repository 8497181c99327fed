// Package ranging holds the per-anchor distance state shared between the
// ingestion goroutines and the consumer.
//
// A Store owns one bounded Window per anchor. Each Window has its own lock so
// updates for different anchors never contend; the Store map itself is only
// write-locked when an anchor is observed for the first time. Snapshot locks
// every requested window in ascending anchor order before reading, which makes
// the result consistent across anchors without a global lock.
package ranging
