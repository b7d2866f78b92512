// Package opstate provides an atomic session-phase register shared between
// the session state machine's caller thread and the engine's sender/receiver
// goroutines.
package opstate

import "sync/atomic"

// Phase identifies where a session is in its state machine.
type Phase uint32

const (
	Open Phase = iota
	SettingsExchange
	AckExchange
	Phase1
	Phase2
	ReadySync
	ResultsExchange
	Closed
	Fail
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "Open"
	case SettingsExchange:
		return "SettingsExchange"
	case AckExchange:
		return "AckExchange"
	case Phase1:
		return "Phase1"
	case Phase2:
		return "Phase2"
	case ReadySync:
		return "ReadySync"
	case ResultsExchange:
		return "ResultsExchange"
	case Closed:
		return "Closed"
	case Fail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// Atomic is a lock-free register holding the current Phase, read
// concurrently by the sender/receiver goroutines and written once per
// transition by the state machine's caller thread.
type Atomic struct {
	v atomic.Uint32
}

// Get returns the current phase.
func (a *Atomic) Get() Phase { return Phase(a.v.Load()) }

// Set stores a new phase unconditionally.
func (a *Atomic) Set(p Phase) { a.v.Store(uint32(p)) }
