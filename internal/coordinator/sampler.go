package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/metrics"
)

// Sample is one reading of the engine's gauges.
type Sample struct {
	ActiveWorkers int
	PendingJobs   int
	QueuedEvents  int
	Parcels       int
	Throughput    float64
	Policy        int
}

// Sampler periodically reads the engine's state into the Prometheus gauges.
type Sampler struct {
	engine   *Engine
	log      *logging.Logger
	onSample func(Sample) // observer hook for tests
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	wg       sync.WaitGroup
}

// NewSampler reads e every interval once started.
func NewSampler(e *Engine, interval time.Duration) *Sampler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sampler{
		engine:   e,
		log:      e.log.WithComponent("sampler"),
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
	}
}

// Start samples immediately and then on every tick until ctx ends or Stop
// is called. It blocks; run it in its own goroutine.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug("sampler started", "interval", s.interval.String())
	s.Sample()
	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (s *Sampler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Sample reads the engine once and publishes the reading.
func (s *Sampler) Sample() Sample {
	e := s.engine
	policy, _ := e.Policy()
	smp := Sample{
		ActiveWorkers: len(e.registry.ActiveWorkers()),
		PendingJobs:   e.ledger.Len(),
		QueuedEvents:  e.events.Len() + e.held.Len(),
		Parcels:       e.mailbox.Len(),
		Throughput:    e.stats.Throughput(),
		Policy:        policy,
	}
	metrics.ActiveWorkers.Set(float64(smp.ActiveWorkers))
	metrics.PendingJobs.Set(float64(smp.PendingJobs))
	metrics.QueuedEvents.Set(float64(smp.QueuedEvents))
	metrics.ParkedParcels.Set(float64(smp.Parcels))
	metrics.Throughput.Set(smp.Throughput)
	metrics.PolicyIndex.Set(float64(smp.Policy))
	if s.onSample != nil {
		s.onSample(smp)
	}
	return smp
}
