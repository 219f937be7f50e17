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
	"errors"
	"sync"
	"time"

	"github.com/apgms/escrow/model"
	"github.com/sirupsen/logrus"
)

// FilingQueue drains ready filing tasks. Withholding and statement filings run as two
// independent loops, each with its own bounded worker pool.
type FilingQueue struct {
	escrow       *Escrow
	kinds        []model.FilingKind
	batchSize    int
	maxWorkers   int
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// NewFilingQueue sizes the queue from the engine's settings. Unset values fall back to
// DefaultSettings.
func NewFilingQueue(escrow *Escrow) *FilingQueue {
	defaults := DefaultSettings()
	s := escrow.settings
	q := &FilingQueue{
		escrow:       escrow,
		kinds:        []model.FilingKind{model.FilingWithholding, model.FilingStatement},
		maxWorkers:   defaults.FilingWorkers,
		batchSize:    defaults.FilingBatchSize,
		pollInterval: defaults.FilingPollInterval,
		stopCh:       make(chan struct{}),
	}
	if s.FilingWorkers > 0 {
		q.maxWorkers = s.FilingWorkers
	}
	if s.FilingBatchSize > 0 {
		q.batchSize = s.FilingBatchSize
	}
	if s.FilingPollInterval > 0 {
		q.pollInterval = s.FilingPollInterval
	}
	return q
}

// WithPollInterval overrides the tick between passes.
func (q *FilingQueue) WithPollInterval(d time.Duration) *FilingQueue {
	q.pollInterval = d
	return q
}

// Start launches one loop per filing kind and one for stale claims. Calling it twice is a no-op.
func (q *FilingQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	for _, kind := range q.kinds {
		q.wg.Add(1)
		go func(kind model.FilingKind) {
			defer q.wg.Done()
			q.run(ctx, kind.Slug(), func(ctx context.Context) { q.Drain(ctx, kind) })
		}(kind)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx, "claims", q.releaseStale)
	}()

	logrus.Info("Filing queue started")
}

// Stop stops claiming new work and waits for in-flight submissions to finish.
func (q *FilingQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	logrus.Info("Filing queue stopped")
}

func (q *FilingQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *FilingQueue) stopping() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

func (q *FilingQueue) run(ctx context.Context, name string, pass func(ctx context.Context)) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Filing queue %s context cancelled", name)
			return
		case <-q.stopCh:
			logrus.Infof("Filing queue %s stop signal received", name)
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// Drain processes one batch of ready tasks of kind and reports how many were picked up.
func (q *FilingQueue) Drain(ctx context.Context, kind model.FilingKind) int {
	tasks, err := q.escrow.datasource.ReadyFilingTasks(ctx, kind, q.escrow.clock(), q.batchSize)
	if err != nil {
		logrus.Errorf("failed to get ready %s filings: %v", kind.Slug(), err)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	logrus.Debugf("Processing %d %s filings with %d workers", len(tasks), kind.Slug(), q.maxWorkers)

	sem := make(chan struct{}, q.maxWorkers)
	var batchWg sync.WaitGroup
	picked := 0

	for _, task := range tasks {
		if q.stopping() || ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		batchWg.Add(1)
		picked++
		go func(t *model.FilingTask) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if _, err := q.escrow.ProcessFilingTask(ctx, t.ID); err != nil && !errors.Is(err, ErrFilingNotClaimable) {
				logrus.Errorf("failed to process filing %s: %v", t.ID, err)
			}
		}(task)
	}

	batchWg.Wait()
	return picked
}

func (q *FilingQueue) releaseStale(ctx context.Context) {
	released, err := q.escrow.ReleaseStaleClaims(ctx, q.batchSize)
	if err != nil {
		logrus.Errorf("failed to release stale filing claims: %v", err)
		return
	}
	if released > 0 {
		logrus.Warnf("Released %d stale filing claims", released)
	}
}
