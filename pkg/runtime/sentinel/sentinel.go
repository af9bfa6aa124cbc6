// Package sentinel enforces resource budgets for sandbox runs.
//
// Before a lease is issued the Sentinel reserves its limits against a global
// headroom budget. While a sandbox runs, Watch samples its usage at a fixed
// interval and cancels the run on the first limit breach. The Sentinel is the
// only component that terminates a running sandbox asynchronously.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// DefaultInterval is the sampling interval used when none is configured.
const DefaultInterval = 100 * time.Millisecond

// Metric names used in breaches and audit payloads.
const (
	MetricCPU    = "cpu_seconds"
	MetricMemory = "memory_bytes"
	MetricDisk   = "disk_bytes"
)

// Sampler reports the live usage of a running sandbox.
type Sampler interface {
	Usage() (contracts.ResourceUsage, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (contracts.ResourceUsage, error)

func (f SamplerFunc) Usage() (contracts.ResourceUsage, error) { return f() }

type reservation struct {
	limits    contracts.ResourceLimits
	expiresAt time.Time
}

// Sentinel tracks headroom reservations and supervises running sandboxes.
type Sentinel struct {
	mu       sync.Mutex
	budget   contracts.ResourceLimits
	reserved map[string]reservation

	interval time.Duration
	ledger   *audit.Ledger
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates a Sentinel. A zero field in budget leaves that metric unbounded.
func New(ledger *audit.Ledger, budget contracts.ResourceLimits, interval time.Duration) *Sentinel {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sentinel{
		budget:   budget,
		reserved: make(map[string]reservation),
		interval: interval,
		ledger:   ledger,
		clock:    time.Now,
		logger:   slog.Default().With("component", "sentinel"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sentinel) WithClock(clock func() time.Time) *Sentinel {
	s.clock = clock
	return s
}

// Interval returns the sampling interval.
func (s *Sentinel) Interval() time.Duration { return s.interval }

// activeLocked sums limits of unexpired reservations, dropping expired ones.
func (s *Sentinel) activeLocked(now time.Time) contracts.ResourceLimits {
	var sum contracts.ResourceLimits
	for id, r := range s.reserved {
		if !now.Before(r.expiresAt) {
			delete(s.reserved, id)
			continue
		}
		sum.CPUSeconds += r.limits.CPUSeconds
		sum.MemoryBytes += r.limits.MemoryBytes
		sum.DiskBytes += r.limits.DiskBytes
	}
	return sum
}

// Reserved returns the summed limits of all currently active reservations.
func (s *Sentinel) Reserved() contracts.ResourceLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(s.clock())
}

func (s *Sentinel) exceedsLocked(limits contracts.ResourceLimits, now time.Time) *Breach {
	used := s.activeLocked(now)
	if s.budget.CPUSeconds > 0 && used.CPUSeconds+limits.CPUSeconds > s.budget.CPUSeconds {
		return &Breach{Metric: MetricCPU, Value: used.CPUSeconds + limits.CPUSeconds, Limit: s.budget.CPUSeconds}
	}
	if s.budget.MemoryBytes > 0 && used.MemoryBytes+limits.MemoryBytes > s.budget.MemoryBytes {
		return &Breach{Metric: MetricMemory, Value: float64(used.MemoryBytes + limits.MemoryBytes), Limit: float64(s.budget.MemoryBytes)}
	}
	if s.budget.DiskBytes > 0 && used.DiskBytes+limits.DiskBytes > s.budget.DiskBytes {
		return &Breach{Metric: MetricDisk, Value: float64(used.DiskBytes + limits.DiskBytes), Limit: float64(s.budget.DiskBytes)}
	}
	return nil
}

// Reserve claims headroom for a lease until it expires or is released.
// Re-reserving the same lease replaces its previous claim.
func (s *Sentinel) Reserve(ctx context.Context, leaseID string, limits contracts.ResourceLimits, expiresAt time.Time) error {
	s.mu.Lock()
	now := s.clock()
	prev, had := s.reserved[leaseID]
	delete(s.reserved, leaseID)
	b := s.exceedsLocked(limits, now)
	if b == nil {
		s.reserved[leaseID] = reservation{limits: limits, expiresAt: expiresAt}
		s.mu.Unlock()
		return nil
	}
	if had {
		s.reserved[leaseID] = prev
	}
	s.mu.Unlock()

	err := gateerr.New(gateerr.KindResourceExceeded, gateerr.CodeHeadroomExceeded,
		"lease %s would exceed global %s headroom (%.0f > %.0f)", leaseID, b.Metric, b.Value, b.Limit)
	seq, aerr := s.ledger.Append(ctx, audit.Record{
		Actor:   "sentinel",
		Type:    audit.EventHeadroomDenied,
		Subject: leaseID,
		Payload: b,
	})
	if aerr != nil {
		return aerr
	}
	return gateerr.WithSeq(err, seq)
}

// Check reports whether limits would fit in the remaining headroom without
// reserving anything.
func (s *Sentinel) Check(limits contracts.ResourceLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.exceedsLocked(limits, s.clock()); b != nil {
		return gateerr.New(gateerr.KindResourceExceeded, gateerr.CodeHeadroomExceeded,
			"global %s headroom exceeded (%.0f > %.0f)", b.Metric, b.Value, b.Limit)
	}
	return nil
}

// Release frees a lease's reservation. Unknown leases are ignored.
func (s *Sentinel) Release(leaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, leaseID)
}

// Breach describes a limit that was exceeded.
type Breach struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// Err converts the breach to a ResourceExceeded error.
func (b Breach) Err() *gateerr.Error {
	code := gateerr.CodeCPUExceeded
	switch b.Metric {
	case MetricMemory:
		code = gateerr.CodeMemoryExceeded
	case MetricDisk:
		code = gateerr.CodeDiskExceeded
	}
	return gateerr.New(gateerr.KindResourceExceeded, code, "%s %.0f exceeds limit %.0f", b.Metric, b.Value, b.Limit)
}

func (b Breach) String() string {
	return fmt.Sprintf("%s=%.0f>%.0f", b.Metric, b.Value, b.Limit)
}

// Exceeds compares usage to limits and returns the first breached metric.
// A zero limit is not enforced.
func Exceeds(u contracts.ResourceUsage, l contracts.ResourceLimits) *Breach {
	switch {
	case l.CPUSeconds > 0 && u.CPUSeconds > l.CPUSeconds:
		return &Breach{Metric: MetricCPU, Value: u.CPUSeconds, Limit: l.CPUSeconds}
	case l.MemoryBytes > 0 && u.MemoryBytes > l.MemoryBytes:
		return &Breach{Metric: MetricMemory, Value: float64(u.MemoryBytes), Limit: float64(l.MemoryBytes)}
	case l.DiskBytes > 0 && u.DiskBytes > l.DiskBytes:
		return &Breach{Metric: MetricDisk, Value: float64(u.DiskBytes), Limit: float64(l.DiskBytes)}
	}
	return nil
}
