package transfer

import (
	"context"
	"sync"
	"time"
)

// consentResult is the outcome delivered through a consentGate.
type consentResult int

const (
	consentAccepted consentResult = iota
	consentRejected
	consentTimedOut
)

// consentGate is the one-shot notifier: the first
// writer wins, readers await the slot, and an arming timer races the writer
// via select.
//
// The timer is armed at construction, not at the first await call, so the
// 30s±500ms consent-timeout bound is measured from
// register_inbound regardless of whether anyone ever calls await.
type consentGate struct {
	once     sync.Once
	resultCh chan consentResult
	timer    *time.Timer
}

// newConsentGate arms a timer for timeout. If nothing has answered by then,
// the gate resolves itself to consentTimedOut and invokes onTimeout exactly
// once — onTimeout never runs if respond() already decided the gate.
func newConsentGate(timeout time.Duration, onTimeout func()) *consentGate {
	g := &consentGate{resultCh: make(chan consentResult, 1)}
	g.timer = time.AfterFunc(timeout, func() {
		if g.deliver(consentTimedOut) {
			onTimeout()
		}
	})
	return g
}

// deliver writes result into the gate exactly once, reporting whether this
// call was the one that won the race.
func (g *consentGate) deliver(result consentResult) bool {
	won := false
	g.once.Do(func() {
		won = true
		g.timer.Stop()
		g.resultCh <- result
	})
	return won
}

// respond answers the gate with a user decision. Returns false if the gate
// was already decided (by a prior respond or by the timeout firing first) —
// the at-most-one-consent property.
func (g *consentGate) respond(accepted bool) bool {
	result := consentRejected
	if accepted {
		result = consentAccepted
	}
	return g.deliver(result)
}

// await blocks until the gate is decided or ctx is done. A cancelled ctx
// returns consentTimedOut as a sentinel; callers that care about the
// distinction between "timed out" and "cancelled" consult the transfer's
// own state afterward rather than this return value alone.
func (g *consentGate) await(ctx context.Context) consentResult {
	select {
	case r := <-g.resultCh:
		return r
	case <-ctx.Done():
		return consentTimedOut
	}
}
