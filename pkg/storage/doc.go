// Package storage journals entity state transitions and restart counts in a
// BoltDB file so the operator can inspect what the fleet looked like before a
// daemon restart or crash.
package storage
