package workerpool

import (
	"context"
	"sync/atomic"
)

// State is the lifecycle state of a unit.
type State int32

const (
	StateCold      State = iota // no resource launched yet
	StateReady                  // resource live, waiting for work
	StateBusy                   // running a task
	StateRecycling              // replacing a worn resource
	StateDead                   // evicted after a crash
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateRecycling:
		return "recycling"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// UnitInfo is a snapshot of one unit.
type UnitInfo struct {
	ID         int
	State      State
	Uses       int64
	Generation int64
}

type request[T, R any] struct {
	ctx      context.Context
	task     T
	future   *Future[R]
	requeues int
}

// unit owns one resource. Only the unit's goroutine touches res and live.
type unit[Res Resource, T, R any] struct {
	id    int
	inbox chan *request[T, R]

	res  Res
	live bool

	state      atomic.Int32
	uses       atomic.Int64
	generation atomic.Int64
}

func newUnit[Res Resource, T, R any](id int) *unit[Res, T, R] {
	return &unit[Res, T, R]{
		id:    id,
		inbox: make(chan *request[T, R], 1),
	}
}

func (u *unit[Res, T, R]) setState(s State) {
	u.state.Store(int32(s))
}

func (u *unit[Res, T, R]) info() UnitInfo {
	return UnitInfo{
		ID:         u.id,
		State:      State(u.state.Load()),
		Uses:       u.uses.Load(),
		Generation: u.generation.Load(),
	}
}
