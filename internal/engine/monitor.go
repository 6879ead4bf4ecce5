package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-engine/internal/store"
)

// Monitor polls for tenants with claimable queue items and keeps exactly one
// processor alive per tenant. The registry map is an optimization only:
// correctness rests on the DB's atomic claim semantics.
type Monitor struct {
	st      *store.Store
	workers *Workers
	cfg     Config
	log     *zap.Logger

	mu    sync.Mutex
	procs map[uuid.UUID]*Processor

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(st *store.Store, workers *Workers, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		st:      st,
		workers: workers,
		cfg:     cfg.WithDefaults(),
		log:     log,
		procs:   map[uuid.UUID]*Processor{},
		quit:    make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	ids, err := m.st.ClaimableInstances(ctx)
	if err != nil {
		m.log.Warn("claimable instances query failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		m.ensureProcessor(ctx, id)
	}
}

// ensureProcessor spawns a processor for the instance unless one is already
// registered. The processor deregisters itself on exit.
func (m *Monitor) ensureProcessor(ctx context.Context, instanceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[instanceID]; ok {
		return
	}

	p := newProcessor(instanceID, m.st, m.workers, m.cfg, m.log)
	m.procs[instanceID] = p

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.procs, instanceID)
			m.mu.Unlock()
		}()
		p.run(ctx)
	}()
}

// ActiveProcessorCount reports the registry size.
func (m *Monitor) ActiveProcessorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Stop signals every processor and waits for in-flight work to finish.
// Processors are cancellable only at idle points; an in-flight DB transaction
// runs to commit or rollback.
func (m *Monitor) Stop() {
	close(m.quit)

	m.mu.Lock()
	for _, p := range m.procs {
		p.stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
}
