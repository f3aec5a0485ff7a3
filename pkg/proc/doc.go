/*
Package proc implements the process-shutdown choreography and the shared
child handle it operates on.

The contract: Shutdown returns success only after the child has been waited
on. On POSIX the protocol is SIGTERM, a 100ms-interval non-blocking-wait poll
for up to 30s, then SIGKILL and another poll for up to 5s. Windows substitutes
CTRL_C_EVENT and forced termination for the two signals. An error names the
phase that exceeded its bound.

The poll shape (rather than one blocking wait under a timeout) is
load-bearing: it reaps a child within ~100ms of actual exit even when exit
comes early, and it never parks a goroutine for the full 30s, which matters
when a whole fleet shuts down through a concurrent pool.

Handle additionally solves the shared-ownership problem between the shutdown
path and the liveness monitor: a single reaper goroutine performs the one Wait
the OS allows, TryWait exposes its outcome non-blockingly, and Take hands
exclusive shutdown rights to exactly one caller.
*/
package proc
