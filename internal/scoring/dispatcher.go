package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ent0n29/rehearsal/internal/archive"
	"github.com/ent0n29/rehearsal/internal/observability"
)

// Outbox is the durable queue of handoffs awaiting delivery.
type Outbox interface {
	EnqueueHandoff(ctx context.Context, sessionID string, payload []byte) error
	PendingHandoffs(ctx context.Context, limit int) ([]archive.HandoffRecord, error)
	MarkHandoffDelivered(ctx context.Context, sessionID string, at time.Time) error
	RecordHandoffAttempt(ctx context.Context, sessionID string, lastErr string) error
}

type DispatcherConfig struct {
	// Schedule is a cron spec for the redelivery sweep.
	Schedule       string
	DeliverTimeout time.Duration
	BatchSize      int
	Metrics        *observability.Metrics
}

// Dispatcher persists each handoff before delivering it, then delivers in the
// background. Entries that fail stay in the outbox and are retried by a
// scheduled sweep, including those left over by a previous process.
type Dispatcher struct {
	outbox Outbox
	client Client
	cfg    DispatcherConfig
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	stopping bool
}

func NewDispatcher(outbox Outbox, client Client, cfg DispatcherConfig) *Dispatcher {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		outbox:   outbox,
		client:   client,
		cfg:      cfg,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Start schedules the redelivery sweep and runs one immediately.
func (d *Dispatcher) Start() error {
	if _, err := d.cron.AddFunc(d.cfg.Schedule, func() { d.Sweep(d.ctx) }); err != nil {
		return fmt.Errorf("schedule scoring sweep %q: %w", d.cfg.Schedule, err)
	}
	d.cron.Start()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Sweep(d.ctx)
	}()
	return nil
}

// Submit validates and enqueues h, then starts delivery. A session that is
// already enqueued is not delivered again.
func (d *Dispatcher) Submit(ctx context.Context, h Handoff) error {
	if err := h.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	if err := d.outbox.EnqueueHandoff(ctx, h.SessionID, payload); err != nil {
		if errors.Is(err, archive.ErrDuplicateHandoff) {
			log.Printf("scoring handoff already queued session_id=%s", h.SessionID)
			return nil
		}
		return fmt.Errorf("enqueue handoff: %w", err)
	}
	d.cfg.Metrics.ObserveEvent("handoff_enqueued")

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		// The next process picks it up from the outbox.
		return nil
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.deliver(d.ctx, h)
	}()
	return nil
}

// Sweep delivers every pending outbox entry once and reports how many
// succeeded.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	pending, err := d.outbox.PendingHandoffs(ctx, d.cfg.BatchSize)
	if err != nil {
		log.Printf("scoring sweep failed err=%v", err)
		return 0
	}
	delivered := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		var h Handoff
		if err := json.Unmarshal(rec.Payload, &h); err != nil {
			log.Printf("scoring outbox entry unreadable session_id=%s err=%v", rec.SessionID, err)
			_ = d.outbox.RecordHandoffAttempt(ctx, rec.SessionID, "unreadable payload: "+err.Error())
			continue
		}
		if d.deliver(ctx, h) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, h Handoff) bool {
	if !d.claim(h.SessionID) {
		return false
	}
	defer d.release(h.SessionID)

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
	err := d.client.Deliver(dctx, h)
	cancel()

	// Bookkeeping must land even when delivery was cut short by shutdown.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer bcancel()
	if err != nil {
		d.cfg.Metrics.ObserveEvent("handoff_failed")
		log.Printf("scoring delivery failed session_id=%s err=%v", h.SessionID, err)
		if rerr := d.outbox.RecordHandoffAttempt(bctx, h.SessionID, err.Error()); rerr != nil {
			log.Printf("scoring outbox update failed session_id=%s err=%v", h.SessionID, rerr)
		}
		return false
	}
	if err := d.outbox.MarkHandoffDelivered(bctx, h.SessionID, time.Now()); err != nil {
		log.Printf("scoring outbox update failed session_id=%s err=%v", h.SessionID, err)
		return false
	}
	d.cfg.Metrics.ObserveEvent("handoff_delivered")
	log.Printf("scoring handoff delivered session_id=%s status=%s turns=%d", h.SessionID, h.CompletionStatus, len(h.OrderedTurns))
	return true
}

func (d *Dispatcher) claim(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[sessionID]; busy {
		return false
	}
	d.inflight[sessionID] = struct{}{}
	return true
}

func (d *Dispatcher) release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, sessionID)
}

// Stop halts the schedule and waits for in-flight deliveries until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	cronDone := d.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
