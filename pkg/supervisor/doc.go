/*
Package supervisor owns the daemon's top-level loop.

The supervisor holds one command inbox per worker agent, the receiving side of
the event bus, the pending-restart table, and a lifecycle machine for its own
state. Everything it does is driven by five sources:

	bus events      no fixed period; workers and the fleet publish here
	signal tick     200ms poll of the atomic signal register
	health tick     30s fan-out of TickHealth to all workers
	log-rotate tick 1h fan-out of TickLogRotate
	restart tick    100ms scan of the pending-restart table

Signal handling deliberately does no work in the handler: the notify goroutine
stores the signal number into an atomic and the loop picks it up on its next
tick. All shutdown logic runs on the loop goroutine.

# Restart scheduling

A worker that reports stopped is restarted immediately; an unhealthy one after
100ms; one that hit a fatal error after 1s. Scheduling sends Stop right away
and records the earliest restart instant; the restart tick issues Start once
the deadline passes. Attempt counts climb across cycles so a crash loop is
visible in the logs and the journal. The restart decision never looks at the
child's exit code: many servers exit 0 on SIGTERM even when their death was
nobody's intention, so the code is reported on the event stream but not
trusted as a signal.

# Shutdown

SIGINT or SIGTERM produces: a manager stopping event, concurrent fleet
shutdown, Shutdown to every worker agent (each reaps its own child), loop
exit, and a final manager stopped event.
*/
package supervisor
