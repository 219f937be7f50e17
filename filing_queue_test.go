/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/apgms/escrow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilingQueue_SizedFromSettings(t *testing.T) {
	s := testSettings()
	s.FilingWorkers = 2
	s.FilingBatchSize = 7
	s.FilingPollInterval = 3 * time.Second
	f := newFixture(t, WithSettings(s))

	q := NewFilingQueue(f.escrow)
	assert.Equal(t, 2, q.maxWorkers)
	assert.Equal(t, 7, q.batchSize)
	assert.Equal(t, 3*time.Second, q.pollInterval)

	s.FilingWorkers, s.FilingBatchSize, s.FilingPollInterval = 0, 0, 0
	unset := NewFilingQueue(NewEscrow(f.store, WithSettings(s)))
	defaults := DefaultSettings()
	assert.Equal(t, defaults.FilingWorkers, unset.maxWorkers)
	assert.Equal(t, defaults.FilingBatchSize, unset.batchSize)
	assert.Equal(t, defaults.FilingPollInterval, unset.pollInterval)
}

func TestFilingQueue_Drain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 3000)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.withholdingTask(t, 1000).ID)
	}

	q := NewFilingQueue(f.escrow)
	assert.Equal(t, 3, q.Drain(ctx, model.FilingWithholding))
	assert.Zero(t, q.Drain(ctx, model.FilingStatement))

	for _, id := range ids {
		task, err := f.escrow.GetFilingTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.FilingFiled, task.Status)
	}
	assert.Equal(t, 3, f.regulator.callCount())
	assert.Zero(t, q.Drain(ctx, model.FilingWithholding))
}

func TestFilingQueue_DrainSkipsDeferredRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)
	f.regulator.steps = []regulatorStep{{err: errNetwork}}

	q := NewFilingQueue(f.escrow)
	assert.Equal(t, 1, q.Drain(ctx, model.FilingWithholding))
	assert.Zero(t, q.Drain(ctx, model.FilingWithholding))

	stored, err := f.escrow.GetFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingRetry, stored.Status)
	assert.Equal(t, 1, f.regulator.callCount())
}

func TestFilingQueue_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 500)
	task := f.withholdingTask(t, 500)

	q := NewFilingQueue(f.escrow).WithPollInterval(10 * time.Millisecond)
	q.Start(ctx)
	q.Start(ctx)
	assert.True(t, q.IsRunning())

	assert.Eventually(t, func() bool {
		stored, err := f.escrow.GetFilingTask(ctx, task.ID)
		return err == nil && stored.Status == model.FilingFiled
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()
	q.Stop()
	assert.False(t, q.IsRunning())
	assert.Equal(t, 1, f.regulator.callCount())
}
