// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gtm-copilot/gtm-copilot/internal/scheduler"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRebuilder struct {
	calls atomic.Int32
	err   error
}

func (r *countingRebuilder) RebuildAll(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestValidate(t *testing.T) {
	for _, ok := range []string{"", "0 */5 * * * *", "*/10 * * * *", "@hourly", "@every 30s"} {
		assert.NoError(t, scheduler.Validate(ok), ok)
	}
	for _, bad := range []string{"every minute", "* * *", "61 * * * * *"} {
		err := scheduler.Validate(bad)
		require.Error(t, err, bad)
		assert.True(t, cperr.HasCode(err, cperr.CodeSchedulerConfigInvalid))
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := scheduler.New("nope", &countingRebuilder{}, 0, nil)
	assert.Error(t, err)
}

func TestDisabledScheduleNeverRuns(t *testing.T) {
	r := &countingRebuilder{}
	s, err := scheduler.New("", r, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.False(t, s.Status().Enabled)
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, r.calls.Load())
}

func TestRunNowRecordsStatus(t *testing.T) {
	r := &countingRebuilder{}
	s, err := scheduler.New("@hourly", r, time.Minute, nil)
	require.NoError(t, err)

	require.NoError(t, s.RunNow(context.Background()))
	st := s.Status()
	assert.Equal(t, int64(1), st.Runs)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastRun.IsZero())

	r.err = errors.New("disk full")
	require.Error(t, s.RunNow(context.Background()))
	st = s.Status()
	assert.Equal(t, int64(2), st.Runs)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, "disk full", st.LastError)
}

func TestScheduleFires(t *testing.T) {
	r := &countingRebuilder{}
	s, err := scheduler.New("@every 1s", r, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.False(t, s.Status().NextRun.IsZero())
	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
}
