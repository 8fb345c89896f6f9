// Package rotation decides when the active recording file is rolled over.
//
// Three triggers are evaluated in a fixed order: an external request
// (signal), a wall-clock boundary (time) and an approximate byte count
// (size).
package rotation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// MessageOverhead is the per-message byte estimate added to each payload.
const MessageOverhead = 24

// ErrInvalidWhen is returned by ParseWhen for an unknown unit.
var ErrInvalidWhen = errors.New("invalid rotation unit")

// Unit is the time-trigger unit.
type Unit int

const (
	Never Unit = iota
	Second
	Minute
	Hour
	Day
	Midnight
	Weekly
)

// When selects the time trigger. Weekday is only used with Weekly.
type When struct {
	Unit    Unit
	Weekday time.Weekday
}

// ParseWhen parses S, M, H, D, MIDNIGHT or W0-W6 (W0 is Monday).
// The empty string disables the time trigger.
func ParseWhen(s string) (When, error) {
	switch u := strings.ToUpper(strings.TrimSpace(s)); u {
	case "":
		return When{}, nil
	case "S":
		return When{Unit: Second}, nil
	case "M":
		return When{Unit: Minute}, nil
	case "H":
		return When{Unit: Hour}, nil
	case "D":
		return When{Unit: Day}, nil
	case "MIDNIGHT":
		return When{Unit: Midnight}, nil
	default:
		if len(u) == 2 && u[0] == 'W' {
			n, err := strconv.Atoi(u[1:])
			if err == nil && n >= 0 && n <= 6 {
				return When{Unit: Weekly, Weekday: time.Weekday((n + 1) % 7)}, nil
			}
		}
		return When{}, fmt.Errorf("%w: %q", ErrInvalidWhen, s)
	}
}

func (w When) String() string {
	switch w.Unit {
	case Second:
		return "S"
	case Minute:
		return "M"
	case Hour:
		return "H"
	case Day:
		return "D"
	case Midnight:
		return "MIDNIGHT"
	case Weekly:
		return "W" + strconv.Itoa((int(w.Weekday)+6)%7)
	default:
		return ""
	}
}

// Config configures the time and size triggers.
type Config struct {
	When     When
	Interval int
	MaxBytes uint64
}

// Enabled reports whether any automatic trigger is configured.
func (c Config) Enabled() bool {
	return c.When.Unit != Never || c.MaxBytes > 0
}

// Reason tells why a file was opened or closed.
type Reason int

const (
	None Reason = iota
	Signal
	Time
	Size
	Start
	Shutdown
)

func (r Reason) String() string {
	switch r {
	case Signal:
		return "signal"
	case Time:
		return "time"
	case Size:
		return "size"
	case Start:
		return "start"
	case Shutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMessageOverhead sets the per-message byte estimate.
func WithMessageOverhead(n uint64) Option {
	return func(p *Policy) {
		p.overhead = n
	}
}

// Policy tracks rotation state for the active file. Request may be called
// from any goroutine; everything else belongs to the writer.
type Policy struct {
	cfg       Config
	now       func() time.Time
	overhead  uint64
	requested atomic.Bool

	bytes uint64
	next  time.Time
}

// NewPolicy creates a policy. Call Reset when a file is opened.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	if cfg.Interval < 1 {
		cfg.Interval = 1
	}
	p := &Policy{
		cfg:      cfg,
		now:      time.Now,
		overhead: MessageOverhead,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request asks for a rotation before the next message.
func (p *Policy) Request() {
	p.requested.Store(true)
}

// Check evaluates the triggers. The size trigger is only evaluated when a
// message is about to be written so an idle recorder never rolls an empty
// file. A pending request is consumed when it fires.
func (p *Policy) Check(pending bool) Reason {
	if p.requested.CompareAndSwap(true, false) {
		return Signal
	}
	if !p.next.IsZero() && !p.now().Before(p.next) {
		return Time
	}
	if pending && p.cfg.MaxBytes > 0 && p.bytes >= p.cfg.MaxBytes {
		return Size
	}
	return None
}

// Reset clears the byte count and computes the next time boundary from now.
func (p *Policy) Reset() {
	p.bytes = 0
	p.next = p.boundary(p.now())
}

// Add accounts for one written message.
func (p *Policy) Add(payloadLen int) {
	p.bytes += uint64(payloadLen) + p.overhead
}

// Bytes returns the approximate byte count since Reset.
func (p *Policy) Bytes() uint64 {
	return p.bytes
}

// NextBoundary returns the next time boundary, or the zero time.
func (p *Policy) NextBoundary() time.Time {
	return p.next
}

func (p *Policy) boundary(now time.Time) time.Time {
	n := p.cfg.Interval
	switch p.cfg.When.Unit {
	case Second:
		return now.Add(time.Duration(n) * time.Second)
	case Minute:
		return now.Add(time.Duration(n) * time.Minute)
	case Hour:
		return now.Add(time.Duration(n) * time.Hour)
	case Day:
		return now.Add(time.Duration(n) * 24 * time.Hour)
	case Midnight:
		y, m, d := now.Date()
		return time.Date(y, m, d+n, 0, 0, 0, 0, now.Location())
	case Weekly:
		days := (int(p.cfg.When.Weekday) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		y, m, d := now.Date()
		return time.Date(y, m, d+days+7*(n-1), 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}
