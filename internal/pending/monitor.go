// Package pending tracks requests that have been accepted but not yet
// answered, and cancels them when their connection goes away.
//
// Cancellation is cooperative: an exchange is flagged and its context is
// cancelled, but nothing interrupts the handler. Its eventual result is
// discarded by the caller.
package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

var (
	// ErrDuplicateExchange is returned by Track when the request id is
	// already in flight on the same connection.
	ErrDuplicateExchange = errors.New("duplicate request id on connection")
	// ErrConnectionClosed is the cancellation cause recorded when the
	// originating connection closes.
	ErrConnectionClosed = errors.New("originating connection closed")
	// ErrCancelledByClient is the cause recorded for notifications/cancelled.
	ErrCancelledByClient = errors.New("cancelled by client")
)

// Exchange correlates one accepted request with its eventual response.
type Exchange struct {
	RequestID    jsonrpc.RequestID
	ConnectionID string
	IssuedAt     time.Time

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

// Cancelled reports whether the exchange's response target is gone.
func (e *Exchange) Cancelled() bool { return e.cancelled.Load() }

// Context is cancelled alongside the flag, with the cause available via
// context.Cause.
func (e *Exchange) Context() context.Context { return e.ctx }

func (e *Exchange) markCancelled(cause error) {
	e.cancelled.Store(true)
	e.cancel(cause)
}

// Monitor indexes pending exchanges by connection.
type Monitor struct {
	clock clockwork.Clock

	mu     sync.Mutex
	byConn map[string]map[string]*Exchange
}

// NewMonitor returns an empty monitor. A nil clock means the real clock.
func NewMonitor(clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{clock: clock, byConn: make(map[string]map[string]*Exchange)}
}

// Track records a new exchange whose context derives from parent.
func (m *Monitor) Track(parent context.Context, connID string, id jsonrpc.RequestID) (*Exchange, error) {
	key := id.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.byConn[connID]
	if _, ok := set[key]; ok {
		return nil, ErrDuplicateExchange
	}
	if set == nil {
		set = make(map[string]*Exchange)
		m.byConn[connID] = set
	}

	ctx, cancel := context.WithCancelCause(parent)
	ex := &Exchange{
		RequestID:    id,
		ConnectionID: connID,
		IssuedAt:     m.clock.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	set[key] = ex
	return ex, nil
}

// Complete forgets the exchange and releases its context.
func (m *Monitor) Complete(ex *Exchange) {
	m.mu.Lock()
	if set := m.byConn[ex.ConnectionID]; set != nil {
		if cur, ok := set[ex.RequestID.Key()]; ok && cur == ex {
			delete(set, ex.RequestID.Key())
			if len(set) == 0 {
				delete(m.byConn, ex.ConnectionID)
			}
		}
	}
	m.mu.Unlock()
	ex.cancel(context.Canceled)
}

// Cancel flags one exchange. It reports whether the exchange was pending.
func (m *Monitor) Cancel(connID string, id jsonrpc.RequestID, cause error) bool {
	m.mu.Lock()
	ex := m.byConn[connID][id.Key()]
	m.mu.Unlock()
	if ex == nil {
		return false
	}
	ex.markCancelled(cause)
	return true
}

// ConnectionClosed flags every exchange of connID and drops them from the
// index. It returns how many were pending.
func (m *Monitor) ConnectionClosed(connID string) int {
	m.mu.Lock()
	set := m.byConn[connID]
	delete(m.byConn, connID)
	m.mu.Unlock()

	for _, ex := range set {
		ex.markCancelled(ErrConnectionClosed)
	}
	return len(set)
}

// Pending returns the number of exchanges in flight on connID.
func (m *Monitor) Pending(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn[connID])
}
