// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	HNSW HNSWConfig

	// MaxRecords fails a rebuild whose record set exceeds it. Zero means
	// unlimited.
	MaxRecords int

	// RebuildRetries is the number of retries after a transient build
	// failure (default 3). Negative disables retries.
	RebuildRetries int
	RetryBase      time.Duration // Fibonacci backoff base (default 250ms)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	o.HNSW = o.HNSW.withDefaults()
	if o.RebuildRetries == 0 {
		o.RebuildRetries = 3
	}
	if o.RebuildRetries < 0 {
		o.RebuildRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a point-in-time description of a Manager.
type Stats struct {
	SnapshotID        string        `json:"snapshot_id"`
	SnapshotKind      Kind          `json:"snapshot_kind"`
	SnapshotWatermark uint64        `json:"snapshot_watermark"`
	SnapshotRecords   int           `json:"snapshot_records"`
	SnapshotBuiltAt   time.Time     `json:"snapshot_built_at"`
	BuildDuration     time.Duration `json:"build_duration_ns"`
	OverlayRecords    int           `json:"overlay_records"`
	OverlayTombstones int           `json:"overlay_tombstones"`
	Watermark         uint64        `json:"watermark"`
	ActiveReaders     int           `json:"active_readers"`
	RetiredViews      int64         `json:"retired_views"`
	Rebuilding        bool          `json:"rebuilding"`
	Rebuilds          int64         `json:"rebuilds"`
	RebuildFailures   int64         `json:"rebuild_failures"`
	Merges            int64         `json:"merges"`
	LastRebuildError  string        `json:"last_rebuild_error,omitempty"`
}

// rebuildTask is one background full rebuild. done is closed once the
// result has been installed or rejected.
type rebuildTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	snap   *Snapshot
	err    error
}

// BuildResult is a finished background build travelling from the rebuild
// worker to whoever joins it.
type BuildResult struct {
	task *rebuildTask
	snap *Snapshot
	err  error
}

// Manager owns the published View of one collection. Queries read the
// view through an atomic pointer; merges and rebuilds publish new views
// under swapMu, which only orders publishers against each other.
type Manager struct {
	spec   store.CollectionSpec
	es     store.EmbeddingStore
	opts   Options
	logger *slog.Logger

	current atomic.Pointer[View]
	swapMu  sync.Mutex

	rebuildMu sync.Mutex
	inflight  *rebuildTask
	closed    bool
	// pending holds at most one finished build waiting to be swapped in.
	pending chan BuildResult

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	retired  atomic.Int64
	merges   atomic.Int64
	rebuilds atomic.Int64
	failures atomic.Int64

	statsMu sync.Mutex
	lastErr string
}

// NewManager creates a manager publishing an empty view. Call Rebuild to
// load existing records.
func NewManager(spec store.CollectionSpec, es store.EmbeddingStore, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		spec:    spec,
		es:      es,
		opts:    opts,
		logger:  opts.Logger.With("collection", spec.Name),
		pending: make(chan BuildResult, 1),
		ctx:     ctx,
		stop:    stop,
	}
	m.current.Store(newView(emptySnapshot(spec.Metric), emptyOverlay(), 0))
	return m
}

// Acquire returns the current view with a reader reference held.
func (m *Manager) Acquire() *View {
	v := m.current.Load()
	v.acquire()
	return v
}

// Current returns the current view without holding a reference.
func (m *Manager) Current() *View {
	return m.current.Load()
}

// Pending delivers finished background builds. The owner of the merge
// loop receives from it and passes results to Install.
func (m *Manager) Pending() <-chan BuildResult {
	return m.pending
}

// Install swaps in a finished build, or records its failure.
func (m *Manager) Install(r BuildResult) {
	t := r.task
	snap, err := r.snap, r.err
	if err == nil {
		err = m.swap(snap)
	}

	if err != nil {
		snap = nil
		err = m.rebuildError(err)
	} else {
		m.rebuilds.Add(1)
		m.logger.Info("index rebuilt",
			"snapshot", snap.ID,
			"kind", snap.Kind,
			"records", snap.Len(),
			"watermark", snap.Watermark,
			"duration", snap.BuildDuration,
		)
		if cerr := m.es.Compact(m.ctx, snap.Watermark); cerr != nil {
			m.logger.Warn("compacting tombstones failed", "error", cerr)
		}
	}

	t.snap, t.err = snap, err
	m.rebuildMu.Lock()
	if m.inflight == t {
		m.inflight = nil
	}
	m.rebuildMu.Unlock()
	close(t.done)
}

func (m *Manager) rebuildError(err error) error {
	m.failures.Add(1)
	m.statsMu.Lock()
	m.lastErr = err.Error()
	m.statsMu.Unlock()

	if errors.Is(err, context.Canceled) {
		m.logger.Info("index rebuild cancelled")
		return cperr.New(cperr.CodeIndexRebuildCancelled, "index rebuild cancelled",
			cperr.FieldCollection(m.spec.Name))
	}
	m.logger.Error("index rebuild failed, keeping previous snapshot", "error", err)
	return cperr.New(cperr.CodeIndexRebuildFailure, "index rebuild failed: "+err.Error(),
		cperr.FieldCollection(m.spec.Name),
		cperr.Field("cause_code", string(cperr.CodeOf(err))),
	)
}

// drainPending installs a finished build if one is waiting.
func (m *Manager) drainPending() {
	select {
	case r := <-m.pending:
		m.Install(r)
	default:
	}
}

// TriggerRebuild starts a background rebuild unless one is already
// running. It reports whether a new rebuild was started.
func (m *Manager) TriggerRebuild() bool {
	_, started := m.startRebuild()
	return started
}

func (m *Manager) startRebuild() (*rebuildTask, bool) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	if m.inflight != nil {
		return m.inflight, false
	}
	if m.closed {
		t := &rebuildTask{cancel: func() {}, done: make(chan struct{})}
		t.err = cperr.Wrap(store.ErrClosed, cperr.CodeIndexRebuildCancelled, "index manager closed")
		close(t.done)
		return t, false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &rebuildTask{cancel: cancel, done: make(chan struct{})}
	m.inflight = t
	m.wg.Add(1)
	go m.runRebuild(ctx, t)
	return t, true
}

func (m *Manager) runRebuild(ctx context.Context, t *rebuildTask) {
	defer m.wg.Done()
	defer t.cancel()

	m.logger.Debug("index rebuild started")
	snap, err := m.buildWithRetry(ctx)
	// Only one rebuild is in flight, so the single slot is free.
	m.pending <- BuildResult{task: t, snap: snap, err: err}
}

// Rebuild runs a full rebuild, joining one already in flight, and waits
// for the swap. On failure the previous view stays published.
func (m *Manager) Rebuild(ctx context.Context) (*Snapshot, error) {
	t, _ := m.startRebuild()
	for {
		select {
		case <-t.done:
			return t.snap, t.err
		case r := <-m.pending:
			m.Install(r)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel aborts the in-flight rebuild and reports whether there was one.
// The previous view stays published.
func (m *Manager) Cancel() bool {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()
	if m.inflight == nil {
		return false
	}
	m.inflight.cancel()
	return true
}

func (m *Manager) buildWithRetry(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	backoff := retry.WithMaxRetries(uint64(m.opts.RebuildRetries), retry.NewFibonacci(m.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := m.build(ctx)
		if err != nil {
			if transient(err) {
				m.logger.Warn("index build attempt failed, retrying", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		snap = s
		return nil
	})
	return snap, err
}

// transient reports whether a build failure is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !cperr.IsExceeded(err) && !cperr.IsInvalidInput(err) && !cperr.IsDimensionMismatch(err)
}

// build reads every live record up to the current store watermark and
// constructs a snapshot of them.
func (m *Manager) build(ctx context.Context) (*Snapshot, error) {
	wm, err := m.es.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]vector.Record)
	for ch, err := range m.es.Scan(ctx, 0) {
		if err != nil {
			return nil, err
		}
		if ch.Version > wm {
			break
		}
		if ch.Deleted {
			delete(live, ch.ID)
			continue
		}
		live[ch.ID] = ch.Record
		if m.opts.MaxRecords > 0 && len(live) > m.opts.MaxRecords {
			return nil, cperr.Errorf(cperr.CodeIndexRebuildExceeded,
				"collection exceeds the index limit of %d records", m.opts.MaxRecords)
		}
	}

	return Build(ctx, m.spec.Metric, slices.Collect(maps.Values(live)), wm, m.opts.HNSW)
}

// swap publishes snap with an overlay caught up from its watermark.
func (m *Manager) swap(snap *Snapshot) error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	changes, last, err := m.collect(m.ctx, snap.Watermark)
	if err != nil {
		return err
	}
	cur := m.current.Load()
	wm := max(snap.Watermark, last, cur.Watermark)
	m.publish(newView(snap, emptyOverlay().apply(changes), wm))
	return nil
}

// collect drains the store from since and returns the changes and the
// highest version seen (since when empty).
func (m *Manager) collect(ctx context.Context, since uint64) ([]vector.Change, uint64, error) {
	last := since
	var changes []vector.Change
	for ch, err := range m.es.Scan(ctx, since) {
		if err != nil {
			return nil, 0, err
		}
		changes = append(changes, ch)
		last = max(last, ch.Version)
	}
	return changes, last, nil
}

// publish swaps v in and retires the previous view. Caller holds swapMu.
func (m *Manager) publish(v *View) {
	old := m.current.Swap(v)
	if old != nil && old.retire(func() { m.retired.Add(-1) }) {
		m.retired.Add(1)
	}
}

// Merge folds writes newer than the current view into its overlay and
// publishes the result. When the overlay reaches the collection's merge
// threshold a background rebuild is started.
func (m *Manager) Merge(ctx context.Context) (*View, error) {
	m.drainPending()

	m.swapMu.Lock()
	cur := m.current.Load()
	changes, last, err := m.collect(ctx, cur.Watermark)
	if err != nil {
		m.swapMu.Unlock()
		return cur, cperr.Wrap(err, cperr.CodeIndexMergeFailure, "merging writes into overlay",
			cperr.FieldCollection(m.spec.Name))
	}
	if len(changes) == 0 {
		m.swapMu.Unlock()
		return cur, nil
	}
	v := newView(cur.Snapshot, cur.Overlay.apply(changes), max(last, cur.Watermark))
	m.publish(v)
	m.swapMu.Unlock()

	m.merges.Add(1)
	m.logger.Debug("overlay merged", "changes", len(changes), "overlay", v.Overlay.Len(), "watermark", v.Watermark)

	if v.Overlay.Len() >= m.spec.MergeThreshold && m.TriggerRebuild() {
		m.logger.Info("overlay reached merge threshold, rebuilding", "overlay", v.Overlay.Len(), "threshold", m.spec.MergeThreshold)
	}
	return v, nil
}

func (m *Manager) Stats() Stats {
	v := m.current.Load()
	m.rebuildMu.Lock()
	rebuilding := m.inflight != nil
	m.rebuildMu.Unlock()
	m.statsMu.Lock()
	lastErr := m.lastErr
	m.statsMu.Unlock()

	return Stats{
		SnapshotID:        v.Snapshot.ID,
		SnapshotKind:      v.Snapshot.Kind,
		SnapshotWatermark: v.Snapshot.Watermark,
		SnapshotRecords:   v.Snapshot.Len(),
		SnapshotBuiltAt:   v.Snapshot.CreatedAt,
		BuildDuration:     v.Snapshot.BuildDuration,
		OverlayRecords:    v.Overlay.Len(),
		OverlayTombstones: v.Overlay.Tombstones(),
		Watermark:         v.Watermark,
		ActiveReaders:     v.Readers(),
		RetiredViews:      m.retired.Load(),
		Rebuilding:        rebuilding,
		Rebuilds:          m.rebuilds.Load(),
		RebuildFailures:   m.failures.Load(),
		Merges:            m.merges.Load(),
		LastRebuildError:  lastErr,
	}
}

// Close cancels any rebuild and waits for the worker to exit. The last
// published view stays readable.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.rebuildMu.Lock()
		m.closed = true
		m.rebuildMu.Unlock()

		m.stop()
		m.wg.Wait()
		m.drainPending()
	})
}
