// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package collection_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// gatedCatalog runs gate before opening a collection's store.
type gatedCatalog struct {
	*memory.Catalog
	gate  func(name string) error
	opens atomic.Int32
}

func (g *gatedCatalog) OpenEmbeddings(ctx context.Context, spec store.CollectionSpec) (store.EmbeddingStore, error) {
	g.opens.Add(1)
	if g.gate != nil {
		if err := g.gate(spec.Name); err != nil {
			return nil, err
		}
	}
	return g.Catalog.OpenEmbeddings(ctx, spec)
}

func TestManager_SlowOpenDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	cat := &gatedCatalog{Catalog: memory.NewCatalog()}
	cat.gate = func(name string) error {
		if name == "slow" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}
	m := collection.NewManager(cat, collection.Options{MergeInterval: time.Hour})
	t.Cleanup(func() { _ = m.Close() })

	fast, err := m.Create(ctx, l2Spec("fast", 1))
	require.NoError(t, err)
	require.NoError(t, cat.CreateCollection(ctx, l2Spec("slow", 1).WithDefaults()))

	var wg sync.WaitGroup
	got := make([]*collection.Collection, 2)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Get(ctx, "slow")
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	<-entered

	done := make(chan *collection.Collection, 1)
	go func() {
		c, err := m.Get(ctx, "fast")
		assert.NoError(t, err)
		done <- c
	}()
	select {
	case c := <-done:
		assert.Same(t, fast, c)
	case <-time.After(5 * time.Second):
		t.Fatal("Get of an open collection waited for another collection to load")
	}

	close(release)
	wg.Wait()
	require.NotNil(t, got[0])
	assert.Same(t, got[0], got[1])
	assert.Equal(t, int32(2), cat.opens.Load(), "one open per collection")
}

func TestManager_OpenAllRunsInParallel(t *testing.T) {
	ctx := context.Background()
	var arrived sync.WaitGroup
	arrived.Add(2)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()

	cat := &gatedCatalog{Catalog: memory.NewCatalog()}
	cat.gate = func(string) error {
		arrived.Done()
		select {
		case <-allIn:
			return nil
		case <-time.After(5 * time.Second):
			return cperr.New(cperr.CodeStoreDatabaseFailure, "collections opened one at a time")
		}
	}
	for _, name := range []string{"a", "b"} {
		require.NoError(t, cat.CreateCollection(ctx, l2Spec(name, 1).WithDefaults()))
	}

	m := collection.NewManager(cat, collection.Options{MergeInterval: time.Hour, RebuildParallelism: 2})
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.OpenAll(ctx))
	assert.Equal(t, []string{"a", "b"}, m.Open())
}

func TestManager_OpenAllReportsFailure(t *testing.T) {
	ctx := context.Background()
	cat := &gatedCatalog{Catalog: memory.NewCatalog()}
	cat.gate = func(name string) error {
		if name == "broken" {
			return cperr.New(cperr.CodeStoreDatabaseFailure, "disk unavailable")
		}
		return nil
	}
	for _, name := range []string{"broken", "fine"} {
		require.NoError(t, cat.CreateCollection(ctx, l2Spec(name, 1).WithDefaults()))
	}

	m := collection.NewManager(cat, collection.Options{MergeInterval: time.Hour})
	t.Cleanup(func() { _ = m.Close() })

	err := m.OpenAll(ctx)
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeStoreDatabaseFailure))
	assert.Contains(t, err.Error(), "disk unavailable")
}

func TestManager_DropDuringOpen(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	cat := &gatedCatalog{Catalog: memory.NewCatalog()}
	cat.gate = func(name string) error {
		if cat.opens.Load() == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	require.NoError(t, cat.CreateCollection(ctx, l2Spec("doomed", 1).WithDefaults()))
	m := collection.NewManager(cat, collection.Options{MergeInterval: time.Hour})
	t.Cleanup(func() { _ = m.Close() })

	errc := make(chan error, 1)
	go func() {
		_, err := m.Get(ctx, "doomed")
		errc <- err
	}()
	<-entered
	require.NoError(t, m.Drop(ctx, "doomed"))
	close(release)

	err := <-errc
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionGetNotFound))
	assert.Empty(t, m.Open())
}
