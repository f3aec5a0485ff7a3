/*
Package bus is the bounded fan-in channel carrying telemetry from workers and
the fleet manager to the supervisor.

Capacity is fixed at 128. Producers pick one of two send disciplines per call
site:

  - Send (critical): state transitions and other events the supervisor must
    not miss. A closed bus fails the enclosing operation; a full bus fails it
    with "subscriber not draining" rather than blocking behind a stuck
    consumer.
  - TrySend (best effort): high-frequency telemetry. A full bus drops
    silently; the first send against a closed bus flips a process-wide flag,
    emits one subscriber-gone warning, and every later best-effort send is a
    silent no-op.

The consumer side is single: the supervisor drains Events on its loop
goroutine, which is what gives worker- and fleet-originated events a total
order at the point of consumption.
*/
package bus
