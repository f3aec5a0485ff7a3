// Package lifecycle defines the per-entity state machine shared by workers,
// fleet members, and the supervisor itself.
//
// Next is a pure transition function over the five states (Stopped, Starting,
// Running, Stopping, Failed); Machine adds the one bit of episode memory the
// table cannot carry, the at-most-once kill escalation while Stopping.
// Stopped and Failed are both valid restart entry points.
package lifecycle
