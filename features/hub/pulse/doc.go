// Package pulse provides a hub.Hub backed by Pulse streams on Redis. Each run
// gets its own stream named "continuation/<run_id>"; the chat stream waiting
// on the run reads it through a consumer group that starts at the oldest
// entry so continuations pushed before the wait began are not lost. Any
// replica sharing the Redis instance may accept the continuation.
package pulse
