// Package redis provides a Redis-backed runstore.Store so that the pending
// actions of paused runs survive process restarts and can be shared by
// several backend replicas. Each run uses two hashes keyed by tool call id
// (approvals and client tools) plus a string holding the current invocation
// id.
package redis
