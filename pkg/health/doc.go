/*
Package health provides the health check mechanisms used to monitor workers
and fleet members.

Three checker kinds are supported: HTTP (2xx within the timeout, optionally
requiring a body substring), TCP (connect succeeds), and script (host command
exits 0, optionally requiring an output substring). Status folds successive
results into an entity-level verdict: one success restores health, while the
configured number of consecutive failures is needed to lose it, so a single
flaky probe does not bounce a worker.
*/
package health
