// Package metrics declares the instrumentation sink the control loop and
// data-channel coordinator report into. The core only depends on this
// interface; a concrete Prometheus-backed Sink lives in
// internal/metrics (metrics.New) and is wired in by cmd/ftpd when metrics
// collection is enabled, matching the teacher's nullable-metrics pattern.
package metrics

import "time"

// Sink receives instrumentation events. All methods must be safe for
// concurrent use.
type Sink interface {
	SessionOpened()
	SessionClosed()
	CommandHandled(verb string, code int, dur time.Duration)
	TransferCompleted(kind string, bytes int64, dur time.Duration, ok bool)
	AuthAttempt(ok bool)
}

// Nop is the default Sink: every method is a no-op.
type Nop struct{}

func (Nop) SessionOpened()                                                        {}
func (Nop) SessionClosed()                                                         {}
func (Nop) CommandHandled(verb string, code int, dur time.Duration)                {}
func (Nop) TransferCompleted(kind string, bytes int64, dur time.Duration, ok bool) {}
func (Nop) AuthAttempt(ok bool)                                                    {}

var _ Sink = Nop{}
