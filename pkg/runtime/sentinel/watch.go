package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// Watch supervises one running sandbox.
type Watch struct {
	stop context.CancelFunc
	done chan struct{}

	mu     sync.Mutex
	breach *Breach
	peak   contracts.ResourceUsage
}

// Watch starts sampling sampler every interval. On the first breach it calls
// kill with the breach as cause, then records a ResourceExceeded event. The
// watch ends on breach, on Stop, or when ctx is done.
func (s *Sentinel) Watch(ctx context.Context, leaseID string, limits contracts.ResourceLimits, sampler Sampler, kill context.CancelCauseFunc) *Watch {
	wctx, stop := context.WithCancel(ctx)
	w := &Watch{stop: stop, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
			}

			u, err := sampler.Usage()
			if err != nil {
				// The process may have exited between ticks.
				s.logger.DebugContext(wctx, "usage sample failed", "lease_id", leaseID, "error", err)
				continue
			}
			w.observe(u)

			b := Exceeds(u, limits)
			if b == nil {
				continue
			}
			w.mu.Lock()
			w.breach = b
			w.mu.Unlock()

			kill(b.Err())
			s.logger.WarnContext(wctx, "resource limit exceeded, sandbox killed",
				"lease_id", leaseID, "metric", b.Metric, "value", b.Value, "limit", b.Limit)

			// The sandbox is already dead; a ledger fault must not resurrect it.
			if _, err := s.ledger.Append(context.WithoutCancel(wctx), audit.Record{
				Actor:   "sentinel",
				Type:    audit.EventResourceExceeded,
				Subject: leaseID,
				Payload: b,
			}); err != nil {
				s.logger.ErrorContext(wctx, "failed to audit resource breach", "lease_id", leaseID, "error", err)
			}
			return
		}
	}()
	return w
}

func (w *Watch) observe(u contracts.ResourceUsage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if u.CPUSeconds > w.peak.CPUSeconds {
		w.peak.CPUSeconds = u.CPUSeconds
	}
	if u.MemoryBytes > w.peak.MemoryBytes {
		w.peak.MemoryBytes = u.MemoryBytes
	}
	if u.DiskBytes > w.peak.DiskBytes {
		w.peak.DiskBytes = u.DiskBytes
	}
}

// Stop ends sampling and waits for the watch goroutine to exit.
func (w *Watch) Stop() {
	w.stop()
	<-w.done
}

// Done is closed when the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Breach returns the recorded breach, if any.
func (w *Watch) Breach() *Breach {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.breach
}

// Peak returns the highest usage observed per metric.
func (w *Watch) Peak() contracts.ResourceUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}
