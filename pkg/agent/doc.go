/*
Package agent runs one goroutine per supervised worker.

An agent owns everything OS-facing about its worker: the subprocess handle,
the rotating stdout/stderr sinks, and the configured health check. The
supervisor talks to it only through the command inbox (Start, Stop,
TickHealth, TickLogRotate, Shutdown); the agent answers by publishing events
on the bus. Confining all mutation to the loop goroutine keeps the lifecycle
machine free of locks.

A started child must survive 100ms before the agent declares it running;
crash-on-start is reported as a stopped event carrying the exit code, and the
supervisor decides whether it comes back. Shutdown runs the full termination
choreography and exits the loop only after the child is reaped.
*/
package agent
