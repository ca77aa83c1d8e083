// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package consistency_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, threshold int, interval time.Duration) (*memory.EmbeddingStore, *index.Manager, *consistency.Coordinator) {
	t.Helper()
	spec := store.CollectionSpec{Name: "accounts", Dimension: 2, Metric: vector.MetricL2, MergeThreshold: threshold}.WithDefaults()
	es := memory.NewEmbeddingStore(spec)
	mgr := index.NewManager(spec, es, index.Options{})
	c := consistency.New(spec.Name, es, mgr, consistency.Options{MergeInterval: interval})
	t.Cleanup(func() {
		c.Close()
		mgr.Close()
	})
	return es, mgr, c
}

func put(t *testing.T, es store.EmbeddingStore, id string) uint64 {
	t.Helper()
	v, err := es.Put(context.Background(), id, []float32{1, 2}, nil)
	require.NoError(t, err)
	return v
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    consistency.Level
		wantErr bool
	}{
		{"", consistency.Strong, false},
		{"eventual", consistency.Eventual, false},
		{"STRONG", consistency.Strong, false},
		{"at-least", consistency.AtLeast, false},
		{"at_least", consistency.AtLeast, false},
		{"linearizable", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := consistency.ParseLevel(tt.in, consistency.Strong)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cperr.IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAcquire_EventualDoesNotMerge(t *testing.T) {
	es, _, c := setup(t, 100, time.Hour)
	put(t, es, "a")

	v, err := c.Acquire(context.Background(), consistency.Requirement{Level: consistency.Eventual})
	require.NoError(t, err)
	defer v.Release()
	assert.Zero(t, v.Watermark)
}

func TestAcquire_StrongSeesEveryAcknowledgedWrite(t *testing.T) {
	es, _, c := setup(t, 100, time.Hour)
	wm := put(t, es, "a")
	wm2 := put(t, es, "b")
	require.Greater(t, wm2, wm)

	v, err := c.Acquire(context.Background(), consistency.Requirement{Level: consistency.Strong})
	require.NoError(t, err)
	defer v.Release()
	assert.GreaterOrEqual(t, v.Watermark, wm2)
	assert.Equal(t, 2, v.Overlay.Len())
}

func TestAcquire_AtLeast(t *testing.T) {
	es, _, c := setup(t, 100, time.Hour)
	mine := put(t, es, "mine")

	v, err := c.Acquire(context.Background(), consistency.Requirement{Level: consistency.AtLeast, MinVersion: mine})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.Watermark, mine)
	v.Release()

	_, err = c.Acquire(context.Background(), consistency.Requirement{Level: consistency.AtLeast, MinVersion: mine + 50})
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeQueryConsistency))
}

func TestAcquire_ConcurrentStrongReaders(t *testing.T) {
	es, mgr, c := setup(t, 1000, time.Hour)
	for i := range 20 {
		put(t, es, fmt.Sprintf("r%d", i))
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Acquire(context.Background(), consistency.Requirement{Level: consistency.Strong})
			if assert.NoError(t, err) {
				assert.GreaterOrEqual(t, v.Watermark, uint64(20))
				v.Release()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, mgr.Stats().Merges, int64(8))
	assert.Zero(t, mgr.Stats().ActiveReaders)
}

func TestWorker_MergesOnNotify(t *testing.T) {
	es, mgr, c := setup(t, 100, time.Hour)
	c.Start()

	wm := put(t, es, "a")
	c.Notify()
	c.Notify() // coalesced

	require.Eventually(t, func() bool {
		return mgr.Current().Watermark >= wm
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_MergesOnInterval(t *testing.T) {
	es, mgr, c := setup(t, 100, 10*time.Millisecond)
	c.Start()

	wm := put(t, es, "a")
	require.Eventually(t, func() bool {
		return mgr.Current().Watermark >= wm
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_InstallsThresholdRebuild(t *testing.T) {
	es, mgr, c := setup(t, 3, 10*time.Millisecond)
	c.Start()

	for i := range 3 {
		put(t, es, fmt.Sprintf("r%d", i))
	}
	c.Notify()

	require.Eventually(t, func() bool {
		v := mgr.Current()
		return v.Snapshot.Len() == 3 && v.Overlay.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestClose_StopsWorker(t *testing.T) {
	es, mgr, c := setup(t, 100, 5*time.Millisecond)
	c.Start()
	c.Close()
	c.Close()

	put(t, es, "late")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, mgr.Current().Watermark)
}
