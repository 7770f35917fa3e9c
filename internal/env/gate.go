// Package env tracks process readiness: the plugin registry and the
// hardware/environment scan, each behind a Gate the project loader waits on.
package env

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotReady is returned by WaitAll when a gate stays closed past the timeout.
var ErrNotReady = errors.New("environment not ready")

// Gate is a one-shot readiness flag.
type Gate struct {
	name string
	once sync.Once
	ch   chan struct{}
}

// NewGate creates a closed gate.
func NewGate(name string) *Gate {
	return &Gate{name: name, ch: make(chan struct{})}
}

// Name identifies the gate in errors and logs.
func (g *Gate) Name() string { return g.name }

// Open marks the gate ready. Further calls do nothing.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Ready reports whether Open was called.
func (g *Gate) Ready() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the gate opens.
func (g *Gate) Done() <-chan struct{} { return g.ch }

// WaitAll sleeps in poll-sized steps until every gate is open. It gives up
// after timeout (zero means no limit) or when ctx is done.
func WaitAll(ctx context.Context, poll, timeout time.Duration, gates ...*Gate) error {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		pending := pendingGates(gates)
		if len(pending) == 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: waiting for %s", ErrNotReady, strings.Join(pending, ", "))
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func pendingGates(gates []*Gate) []string {
	var pending []string
	for _, g := range gates {
		if g != nil && !g.Ready() {
			pending = append(pending, g.name)
		}
	}
	return pending
}
