/*
Package fleet brings up and tears down the embedded tool servers as a group.

Each fleet member is an independent child process bound to its own loopback
port. The manager guarantees an all-or-nothing startup: after StartAll returns
successfully every enabled member is running and has answered 2xx on /health;
after it returns an error, nothing is left alive.

# Startup protocol

	┌──────────────────── FLEET STARTUP ───────────────────────┐
	│                                                          │
	│  1. Pre-flight      bind + release 127.0.0.1:port for    │
	│                     every enabled member; any collision  │
	│                     fails startup before the first fork  │
	│                                                          │
	│  2. Per member (in declaration order):                   │
	│     - resolve binary via PATH (literal fallback)         │
	│     - spawn with --http 127.0.0.1:port                   │
	│       (+ --tls-cert/--tls-key when discovered)           │
	│     - forward stdout/stderr lines through the logger     │
	│     - Layer 1: liveness monitor checks the child is      │
	│       still alive 100ms after spawn                      │
	│     - Layer 2: poll /health every 50ms, up to 5s         │
	│                                                          │
	│  3. Any failure → LIFO rollback of everything spawned    │
	└──────────────────────────────────────────────────────────┘

The two verification layers are both required: a child may spawn and
immediately crash (caught by layer 1 alone) or spawn, stay alive, and never
bind its port (caught only by layer 2).

# Ownership of the child handle

The shutdown path and the liveness monitor observe the same proc.Handle. The
shutdown path takes ownership with Take before running the termination
choreography; the monitor checks Taken on every poll and stands down silently
once ownership has moved. This is what lets shutdown wait on the child while
the monitor is still scheduled without the two ever double-reaping.

# Shutdown

ShutdownAll terminates all live members concurrently, each bounded by the
graceful (30s) plus forced (5s) phases of the choreography. Rollback during a
failed startup uses the same choreography but walks members in reverse start
order, so later members are gone before the peers they may have discovered at
warmup.
*/
package fleet
