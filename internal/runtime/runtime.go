// Package runtime provides the small cooperative-scheduling abstraction
// (§4 component C, §9 "Trait-based runtime abstraction") that the per-peer
// processor (§4.F) is built against: spawn a background task, and sleep
// for a duration without blocking anything else. Only the native
// goroutine-backed implementation is provided — the browser/WASM
// single-threaded adaptor is out of scope here (DOM bindings excluded by
// spec.md §1), but the processor is written against this interface so a
// future adaptor could be dropped in without touching §4.F's logic.
package runtime

import "time"

// Runtime abstracts task spawning and sleeping so the processor loop
// remains correct whether the underlying scheduler is a native
// multi-threaded cooperative one or a single-threaded cooperative one.
type Runtime interface {
	// Spawn runs fn on a new logical task and returns immediately.
	Spawn(fn func())
	// Sleep returns a channel that receives once after d has elapsed.
	Sleep(d time.Duration) <-chan time.Time
}

// Native is the goroutine-backed Runtime used by cmd/server.
type Native struct{}

// Spawn starts fn on a new goroutine.
func (Native) Spawn(fn func()) { go fn() }

// Sleep returns time.After(d).
func (Native) Sleep(d time.Duration) <-chan time.Time { return time.After(d) }
