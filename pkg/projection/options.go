package projection

import (
	"fmt"
	"runtime"
	"strings"
)

// Strategy selects how the eager projector reduces each window.
type Strategy int

const (
	// Naive recomputes every slice's window from scratch.
	Naive Strategy = iota

	// SlidingMax keeps a monotonic deque per (channel, y, x) column so each
	// sample enters and leaves the running maximum once.
	SlidingMax
)

func (s Strategy) String() string {
	switch s {
	case Naive:
		return "naive"
	case SlidingMax:
		return "sliding"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "naive":
		return Naive, nil
	case "sliding", "slidingmax", "deque":
		return SlidingMax, nil
	default:
		return Naive, fmt.Errorf("unknown projection strategy %q: %w", name, ErrInvalidParameter)
	}
}

// Mode selects between materializing the projection and computing it on
// each read.
type Mode int

const (
	Eager Mode = iota
	Lazy
)

func (m Mode) String() string {
	switch m {
	case Eager:
		return "eager"
	case Lazy:
		return "lazy"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "eager":
		return Eager, nil
	case "lazy":
		return Lazy, nil
	default:
		return Eager, fmt.Errorf("unknown projection mode %q: %w", name, ErrInvalidParameter)
	}
}

// Options tunes the eager projector. The zero value uses the naive strategy
// on every available CPU.
type Options struct {
	Strategy Strategy

	// Workers bounds the number of goroutines; values below 1 mean
	// runtime.NumCPU().
	Workers int
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return runtime.NumCPU()
	}
	return o.Workers
}
