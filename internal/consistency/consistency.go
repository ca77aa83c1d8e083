// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package consistency decides how fresh the index view a query reads must
// be, and runs the background worker that keeps views fresh.
package consistency

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Level is a query freshness contract.
type Level string

const (
	// Eventual reads the published view as it is when the query starts.
	Eventual Level = "eventual"
	// Strong catches the view up to the store watermark before reading.
	Strong Level = "strong"
	// AtLeast catches the view up to a caller-supplied version, usually
	// the one returned by the caller's own write.
	AtLeast Level = "at_least"
)

// DefaultMergeInterval is how often the worker merges without write
// notifications.
const DefaultMergeInterval = time.Second

// ParseLevel parses a level name. The empty string selects def.
func ParseLevel(s string, def Level) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case Eventual:
		return Eventual, nil
	case Strong:
		return Strong, nil
	case AtLeast, "at-least", "atleast":
		return AtLeast, nil
	}
	return "", cperr.New(cperr.CodeQueryConsistency, "unknown consistency level "+s,
		cperr.Field("level", s))
}

// Requirement is the freshness a single query asks for.
type Requirement struct {
	Level      Level
	MinVersion uint64 // used by AtLeast
}

type Options struct {
	MergeInterval time.Duration
	Logger        *slog.Logger
}

// Coordinator serves views of one collection at the requested freshness
// and runs its merge worker.
type Coordinator struct {
	name   string
	es     store.EmbeddingStore
	mgr    *index.Manager
	logger *slog.Logger

	interval time.Duration
	notify   chan struct{}
	group    singleflight.Group

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func New(name string, es store.EmbeddingStore, mgr *index.Manager, opts Options) *Coordinator {
	if opts.MergeInterval <= 0 {
		opts.MergeInterval = DefaultMergeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		name:     name,
		es:       es,
		mgr:      mgr,
		logger:   opts.Logger.With("collection", name),
		interval: opts.MergeInterval,
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		stop:     stop,
	}
}

// Start launches the merge worker. It is a no-op after the first call.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Notify tells the worker a write landed. It never blocks; bursts of
// writes collapse into one merge.
func (c *Coordinator) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.mgr.Pending():
			c.mgr.Install(r)
		case <-c.notify:
			c.background()
		case <-ticker.C:
			c.background()
		}
	}
}

func (c *Coordinator) background() {
	if _, err := c.merge(c.ctx); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("background merge failed", "error", err)
	}
}

// merge runs one overlay merge, shared by every concurrent caller. The
// merge itself is bound to the coordinator's lifetime; ctx only limits how
// long this caller waits for it.
func (c *Coordinator) merge(ctx context.Context) (*index.View, error) {
	ch := c.group.DoChan("merge", func() (any, error) {
		return c.mgr.Merge(c.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*index.View), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acquire returns a view satisfying req with a reader reference held. The
// caller must Release it.
func (c *Coordinator) Acquire(ctx context.Context, req Requirement) (*index.View, error) {
	var target uint64
	switch req.Level {
	case Eventual, "":
		return c.mgr.Acquire(), nil
	case Strong:
		wm, err := c.es.Watermark(ctx)
		if err != nil {
			return nil, err
		}
		target = wm
	case AtLeast:
		target = req.MinVersion
	default:
		return nil, cperr.New(cperr.CodeQueryConsistency, "unknown consistency level "+string(req.Level))
	}

	if err := c.catchUp(ctx, target); err != nil {
		return nil, err
	}
	return c.mgr.Acquire(), nil
}

// catchUp merges until the published view reaches target. A merge already
// in flight may have read the store before target was written, so a
// second one can be needed; after that the target must be beyond the
// store itself.
func (c *Coordinator) catchUp(ctx context.Context, target uint64) error {
	for range 2 {
		if c.mgr.Current().Watermark >= target {
			return nil
		}
		if _, err := c.merge(ctx); err != nil {
			return err
		}
	}
	if c.mgr.Current().Watermark >= target {
		return nil
	}
	return cperr.New(cperr.CodeQueryConsistency, "requested version is ahead of the store",
		cperr.FieldCollection(c.name),
		cperr.Field("min_version", target),
	)
}

// Close stops the merge worker. It does not close the index manager.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.stop()
		c.wg.Wait()
	})
}
