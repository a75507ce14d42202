package clockid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDProvider generates opaque unique identifiers for new jobs.
type IDProvider interface {
	NewID() string
}

// UUIDProvider generates random 128-bit identifiers via google/uuid.
type UUIDProvider struct{}

// NewUUIDProvider returns the production IDProvider.
func NewUUIDProvider() UUIDProvider { return UUIDProvider{} }

func (UUIDProvider) NewID() string { return uuid.NewString() }

// CounterProvider generates deterministic, monotonically increasing ids
// for tests that need reproducible identifiers.
type CounterProvider struct {
	prefix string
	n      atomic.Int64
}

// NewCounterProvider returns an IDProvider producing "<prefix>-<n>" ids.
func NewCounterProvider(prefix string) *CounterProvider {
	return &CounterProvider{prefix: prefix}
}

func (c *CounterProvider) NewID() string {
	n := c.n.Add(1)
	return fmt.Sprintf("%s-%d", c.prefix, n)
}
