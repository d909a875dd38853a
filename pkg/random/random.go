// Package random provides the injectable random source used for spintax
// choices and send jitter.
package random

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Source is the subset of *rand.Rand the gateway draws from.
type Source interface {
	IntN(n int) int
	Int64N(n int64) int64
}

type locked struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a Source seeded with seed. Equal seeds give equal sequences.
func New(seed uint64) Source {
	return &locked{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewTimeSeeded returns a Source seeded from the wall clock.
func NewTimeSeeded() Source {
	return New(uint64(time.Now().UnixNano()))
}

func (l *locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.IntN(n)
}

func (l *locked) Int64N(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Int64N(n)
}
