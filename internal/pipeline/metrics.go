package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-run counters.
type Metrics struct {
	Received     atomic.Uint64
	ReadErrors   atomic.Uint64
	Filtered     atomic.Uint64
	Decoded      atomic.Uint64
	Skipped      atomic.Uint64 // non-IP frames and fragments awaiting reassembly
	DecodeErrors atomic.Uint64
	Parsed       atomic.Uint64
	ParseErrors  atomic.Uint64
	Reported     atomic.Uint64
	ReportErrors atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.ReadErrors.Store(0)
	m.Filtered.Store(0)
	m.Decoded.Store(0)
	m.Skipped.Store(0)
	m.DecodeErrors.Store(0)
	m.Parsed.Store(0)
	m.ParseErrors.Store(0)
	m.Reported.Store(0)
	m.ReportErrors.Store(0)
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		ReadErrors:   m.ReadErrors.Load(),
		Filtered:     m.Filtered.Load(),
		Decoded:      m.Decoded.Load(),
		Skipped:      m.Skipped.Load(),
		DecodeErrors: m.DecodeErrors.Load(),
		Parsed:       m.Parsed.Load(),
		ParseErrors:  m.ParseErrors.Load(),
		Reported:     m.Reported.Load(),
		ReportErrors: m.ReportErrors.Load(),
	}
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Received     uint64
	ReadErrors   uint64
	Filtered     uint64
	Decoded      uint64
	Skipped      uint64
	DecodeErrors uint64
	Parsed       uint64
	ParseErrors  uint64
	Reported     uint64
	ReportErrors uint64
}
