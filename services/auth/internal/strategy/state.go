package strategy

import "context"

// State is a step of a single authentication attempt.
type State int

const (
	StateStart State = iota
	StateExchanging
	StateVerifying
	StateFetchingUserInfo
	StateNormalizing
	StateDone
	// StateFailed is absorbing; it is reachable from every non-terminal state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateExchanging:
		return "exchanging"
	case StateVerifying:
		return "verifying"
	case StateFetchingUserInfo:
		return "fetching_user_info"
	case StateNormalizing:
		return "normalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Observer is told about every state transition of an attempt. It runs on
// the caller's goroutine and must not block.
type Observer interface {
	OnTransition(ctx context.Context, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, from, to State)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(ctx context.Context, from, to State) {
	f(ctx, from, to)
}

// attempt tracks the state of one Authenticate call.
type attempt struct {
	ctx      context.Context
	state    State
	observer Observer
}

func (a *attempt) enter(next State) {
	if a.state.Terminal() {
		return
	}
	prev := a.state
	a.state = next
	if a.observer != nil {
		a.observer.OnTransition(a.ctx, prev, next)
	}
}

func (a *attempt) fail(err error) error {
	a.enter(StateFailed)
	return err
}
