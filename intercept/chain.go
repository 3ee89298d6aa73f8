// Package intercept runs captured records through an ordered list of delegates
// before they are handed to the transport session.
package intercept

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/domain"
)

// Delegate inspects a record before it is sent.
//
// WillSend returns the record to forward, a modified copy of it, or nil to veto. Delegates
// that modify a frozen record must work on record.Clone().
type Delegate interface {
	WillSend(record *domain.CaptureRecord) *domain.CaptureRecord
}

// DelegateFunc adapts a plain function into a Delegate.
type DelegateFunc func(record *domain.CaptureRecord) *domain.CaptureRecord

func (f DelegateFunc) WillSend(record *domain.CaptureRecord) *domain.CaptureRecord {
	return f(record)
}

// Chain is an ordered list of delegates. It is safe for concurrent Run and Register calls.
type Chain struct {
	mu        sync.RWMutex
	delegates []Delegate
	logger    zerolog.Logger
}

// NewChain returns a chain holding delegates in the given order.
func NewChain(logger zerolog.Logger, delegates ...Delegate) *Chain {
	c := &Chain{logger: logger}
	c.Register(delegates...)
	return c
}

// Register appends delegates to the end of the chain. Nil delegates are ignored.
func (c *Chain) Register(delegates ...Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range delegates {
		if d != nil {
			c.delegates = append(c.delegates, d)
		}
	}
}

// Len returns the number of registered delegates.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.delegates)
}

// Run passes record through every delegate in registration order. Each delegate receives
// the output of the previous one. The first nil result stops the chain and Run returns nil.
// An empty chain returns record unchanged.
func (c *Chain) Run(record *domain.CaptureRecord) *domain.CaptureRecord {
	if record == nil {
		return nil
	}

	c.mu.RLock()
	delegates := make([]Delegate, len(c.delegates))
	copy(delegates, c.delegates)
	c.mu.RUnlock()

	current := record
	for i, d := range delegates {
		current = c.invoke(i, d, current)
		if current == nil {
			c.logger.Debug().Str("record", record.ID.String()).Int("delegate", i).Msg("record vetoed")
			return nil
		}
	}
	return current
}

// invoke calls one delegate. A panicking delegate passes the record through unchanged.
func (c *Chain) invoke(index int, d Delegate, record *domain.CaptureRecord) (out *domain.CaptureRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Int("delegate", index).Msg("delegate panicked, passing record through")
			out = record
		}
	}()
	return d.WillSend(record)
}
