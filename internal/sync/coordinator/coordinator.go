// Package coordinator decides when the sync processor runs: after the
// network settles online, on demand, and as a periodic fallback. It also
// keeps the pending count and sync status the presentation layer reads.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/network"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/sync/queue"
)

// Queue is what the coordinator needs from the operation queue.
type Queue interface {
	Stats(ctx context.Context) (queue.Stats, error)
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is what the coordinator needs from the durable store.
type Store interface {
	CountUnsyncedWithoutOperation(ctx context.Context) (int, error)
	PurgeSyncedRecords(ctx context.Context, before time.Time) (int, error)
	ListConflictLogs(ctx context.Context, recordID models.UUID, limit int) ([]*models.ConflictLog, error)
}

// Network is the connectivity view the coordinator reacts to.
type Network interface {
	IsOnline() bool
	IsStable() bool
	Recheck(ctx context.Context) bool
	Subscribe() (<-chan network.Transition, func())
}

// ReferenceCache is the reference-data cache. Stale entries go during
// housekeeping; everything goes when the store runs out of space.
type ReferenceCache interface {
	ExpireStale(ctx context.Context) (int, error)
	ClearNonEssential(ctx context.Context) (int, error)
}

// Config holds coordinator timing.
type Config struct {
	// SettleDelay is waited after the network turns stable before syncing.
	SettleDelay time.Duration
	// PollInterval drives pending-count refresh and housekeeping.
	PollInterval time.Duration
	// PassTimeout bounds a single pass; zero means no deadline.
	PassTimeout time.Duration
	// Retention is how long completed operations and synced records are kept.
	Retention time.Duration
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  2 * time.Second,
		PollInterval: 30 * time.Second,
		Retention:    30 * 24 * time.Hour,
	}
}

// Coordinator orchestrates sync passes.
type Coordinator struct {
	runner syncpkg.Runner
	queue  Queue
	store  Store
	net    Network
	cache  ReferenceCache
	cfg    Config
	now    func() time.Time

	mu        sync.RWMutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	settling  bool
	syncing   bool
	pending   int
	runnable  int
	failed    int
	lastSync  time.Time
	lastErr   string

	events *broadcaster
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache enables stale cache expiry during housekeeping and cache
// eviction when a pass hits the storage quota.
func WithCache(c ReferenceCache) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithClock overrides the coordinator's time source.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// New creates a Coordinator. Zero Config fields take their defaults, except
// PassTimeout where zero means no deadline.
func New(runner syncpkg.Runner, q Queue, store Store, net Network, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	c := &Coordinator{
		runner: runner,
		queue:  q,
		store:  store,
		net:    net,
		cfg:    cfg,
		now:    time.Now,
		events: newBroadcaster(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the network and polling loops. Passes started by the
// coordinator derive from ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.stopCh = make(chan struct{})
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	base := c.baseCtx
	c.mu.Unlock()
	c.events.reopen()

	transitions, unsubscribe := c.net.Subscribe()

	c.wg.Add(2)
	go c.networkLoop(base, transitions, unsubscribe)
	go c.pollLoop(base)

	c.refreshPending(base)
	if c.net.IsStable() {
		c.scheduleSettled()
	}

	logging.Info("Sync coordinator started", map[string]interface{}{
		"settle_delay_ms":  c.cfg.SettleDelay.Milliseconds(),
		"poll_interval_ms": c.cfg.PollInterval.Milliseconds(),
	})
}

// Stop stops the loops, cancels an in-flight pass and waits for it. The
// processor returns interrupted operations to pending.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	close(c.stopCh)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.events.closeAll()

	logging.Info("Sync coordinator stopped", nil)
}

// Subscribe returns a channel of lifecycle events. Slow subscribers miss
// events rather than block the coordinator. Call the returned function to
// unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// NotifyWrite tells the coordinator capture wrote a record. While stable
// online and with runnable work it schedules a pass after the settle delay.
func (c *Coordinator) NotifyWrite(ctx context.Context) {
	if _, err := c.refreshPending(ctx); err != nil {
		return
	}
	if c.hasRunnable() && c.net.IsStable() {
		c.scheduleSettled()
	}
}

// TriggerSync starts a pass in the background. It returns false when
// offline or when a pass is already running.
func (c *Coordinator) TriggerSync(ctx context.Context) bool {
	if !c.net.IsOnline() {
		logging.Debug("Skipping sync - offline", nil)
		return false
	}
	if !c.claim() {
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	}

	runCtx := c.passContext(ctx)
	if !c.goTracked(func() { c.runPass(runCtx) }) {
		go c.runPass(runCtx)
	}
	return true
}

// SyncNow runs a pass and waits for its report.
func (c *Coordinator) SyncNow(ctx context.Context) (*models.SyncReport, error) {
	if !c.net.IsOnline() {
		return nil, errors.New(errors.ErrNetwork, "cannot sync while offline")
	}
	if !c.claim() {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync pass is already running")
	}
	return c.runPass(ctx)
}

// Status is a snapshot of the coordinator's view.
type Status struct {
	IsRunning     bool       `json:"isRunning"`
	IsOnline      bool       `json:"isOnline"`
	IsStable      bool       `json:"isStable"`
	IsSyncing     bool       `json:"isSyncing"`
	PendingCount  int        `json:"pendingCount"`
	FailedCount   int        `json:"failedCount"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncError string     `json:"lastSyncError,omitempty"`
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		IsRunning:     c.isRunning,
		IsOnline:      c.net.IsOnline(),
		IsStable:      c.net.IsStable(),
		IsSyncing:     c.syncing,
		PendingCount:  c.pending,
		FailedCount:   c.failed,
		LastSyncError: c.lastErr,
	}
	if !c.lastSync.IsZero() {
		last := c.lastSync
		s.LastSyncAt = &last
	}
	return s
}

// ListConflicts returns conflict audit entries, newest first. An empty
// recordID lists all records.
func (c *Coordinator) ListConflicts(ctx context.Context, recordID models.UUID, limit int) ([]*models.ConflictLog, error) {
	return c.store.ListConflictLogs(ctx, recordID, limit)
}

// Refresh recomputes the pending count.
func (c *Coordinator) Refresh(ctx context.Context) (int, error) {
	return c.refreshPending(ctx)
}

// Housekeep purges completed operations and synced records past retention
// and expires stale cache entries.
func (c *Coordinator) Housekeep(ctx context.Context) error {
	cutoff := c.now().Add(-c.cfg.Retention)

	ops, err := c.queue.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return err
	}
	records, err := c.store.PurgeSyncedRecords(ctx, cutoff)
	if err != nil {
		return err
	}
	var expired int
	if c.cache != nil {
		if expired, err = c.cache.ExpireStale(ctx); err != nil {
			return err
		}
	}

	if ops+records+expired > 0 {
		logging.Info("Housekeeping purged entries", map[string]interface{}{
			"operations":    ops,
			"records":       records,
			"cache_entries": expired,
		})
	}
	return nil
}

func (c *Coordinator) networkLoop(ctx context.Context, transitions <-chan network.Transition, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			c.events.publish(Event{Type: EventNetworkChanged, Online: t.Online, Stable: t.Stable, At: t.At})
			if t.Stable {
				c.scheduleSettled()
			}
		}
	}
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	if _, err := c.refreshPending(ctx); err != nil {
		return
	}
	if c.net.IsOnline() && !c.net.IsStable() {
		c.net.Recheck(ctx)
	}
	if err := c.Housekeep(ctx); err != nil {
		logging.ErrorWithCode("Housekeeping failed", string(errors.CodeOf(err)), err, nil)
	}
	if c.hasRunnable() && c.net.IsStable() {
		c.TriggerSync(ctx)
	}
}

// scheduleSettled runs a pass once the network stayed stable for the
// settle delay and runnable work exists. Only one settle timer runs at a
// time.
func (c *Coordinator) scheduleSettled() {
	c.mu.Lock()
	if !c.isRunning || c.settling {
		c.mu.Unlock()
		return
	}
	c.settling = true
	base := c.baseCtx
	c.mu.Unlock()

	started := c.goTracked(func() {
		defer func() {
			c.mu.Lock()
			c.settling = false
			c.mu.Unlock()
		}()

		timer := time.NewTimer(c.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-base.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
		}

		if !c.net.IsStable() {
			logging.Debug("Network unsettled, skipping sync", nil)
			return
		}
		if _, err := c.refreshPending(base); err != nil || !c.hasRunnable() {
			return
		}
		c.TriggerSync(base)
	})
	if !started {
		c.mu.Lock()
		c.settling = false
		c.mu.Unlock()
	}
}

// goTracked runs fn on a goroutine Stop waits for. It reports false when
// the coordinator is not running.
func (c *Coordinator) goTracked(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Coordinator) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		return false
	}
	c.syncing = true
	return true
}

// passContext detaches a background pass from the triggering request and
// ties it to the coordinator's lifetime instead.
func (c *Coordinator) passContext(ctx context.Context) context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isRunning {
		return c.baseCtx
	}
	return context.WithoutCancel(ctx)
}

// runPass executes one claimed pass.
func (c *Coordinator) runPass(ctx context.Context) (*models.SyncReport, error) {
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	if c.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PassTimeout)
		defer cancel()
	}

	c.events.publish(Event{Type: EventSyncStart, At: c.now()})
	logging.Info("Starting sync pass", nil)

	report, err := c.runner.RunOnce(ctx)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
		c.lastSync = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err, nil)
		if errors.Is(err, errors.ErrStorageQuotaExceeded) {
			c.freeSpace(context.WithoutCancel(ctx))
		}
		c.events.publish(Event{Type: EventSyncError, Report: report, Error: err.Error(), At: c.now()})
	} else {
		c.events.publish(Event{Type: EventSyncComplete, Report: report, At: c.now()})
	}

	c.refreshPending(context.WithoutCancel(ctx))
	return report, err
}

// freeSpace drops the reference cache so the next pass has room to write.
func (c *Coordinator) freeSpace(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.ClearNonEssential(ctx); err != nil {
		logging.Error("Failed to clear cache after storage quota error", err, nil)
	}
}

// hasRunnable reports whether the last refresh saw work a pass could do.
// Failed operations wait for an explicit retry and do not count.
func (c *Coordinator) hasRunnable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runnable > 0
}

// refreshPending recomputes the pending count: unfinished operations plus
// unsynced records that have none. A change is published.
func (c *Coordinator) refreshPending(ctx context.Context) (int, error) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		logging.Error("Failed to count operations", err, nil)
		return 0, err
	}
	orphans, err := c.store.CountUnsyncedWithoutOperation(ctx)
	if err != nil {
		logging.Error("Failed to count unsynced records", err, nil)
		return 0, err
	}
	pending := stats.Unfinished() + orphans

	c.mu.Lock()
	changed := pending != c.pending
	c.pending = pending
	c.runnable = stats.Pending + orphans
	c.failed = stats.Failed
	c.mu.Unlock()

	if changed {
		c.events.publish(Event{Type: EventPendingChanged, PendingCount: pending, At: c.now()})
	}
	return pending, nil
}
