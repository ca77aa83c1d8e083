// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index

import (
	"sync"
	"time"
)

// View is the unit of publication: a snapshot, the overlay of writes newer
// than it, and the store version both together reflect. Views are
// immutable; readers Acquire one, search it, and Release it.
type View struct {
	Snapshot    *Snapshot
	Overlay     *Overlay
	Watermark   uint64
	PublishedAt time.Time

	mu      sync.Mutex
	refs    int
	retired bool
	onIdle  func() // called once when a retired view loses its last reader
}

func newView(snap *Snapshot, ov *Overlay, watermark uint64) *View {
	return &View{
		Snapshot:    snap,
		Overlay:     ov,
		Watermark:   watermark,
		PublishedAt: time.Now().UTC(),
	}
}

func (v *View) acquire() {
	v.mu.Lock()
	v.refs++
	v.mu.Unlock()
}

// Release ends a reader's use of the view. Each Acquire must be paired
// with exactly one Release.
func (v *View) Release() {
	v.mu.Lock()
	v.refs--
	idle := v.retired && v.refs == 0
	fn := v.onIdle
	if idle {
		v.onIdle = nil
	}
	v.mu.Unlock()
	if idle && fn != nil {
		fn()
	}
}

// Readers is the number of in-flight searches holding the view.
func (v *View) Readers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.refs
}

// retire marks the view superseded. It reports whether readers still hold
// it; if so onIdle runs when the last one releases.
func (v *View) retire(onIdle func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retired = true
	if v.refs == 0 {
		return false
	}
	v.onIdle = onIdle
	return true
}
