// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package enrich implements the bounded enrichment queue: a worker pool that
// invokes the investigator once per admitted fingerprint and attaches the
// result to the stored alert. At most one investigation is in flight per
// fingerprint at any time.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/types"
)

// Investigator produces a root-cause enrichment for an alert. The LLM agent
// behind it is external; the queue treats its output as authoritative for the
// moment it was produced and never retries on its own.
type Investigator interface {
	Investigate(ctx context.Context, alert *types.Alert) (*types.Enrichment, error)
}

// Priority orders admitted fingerprints. Within a priority the queue is FIFO.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Completion is published after every terminal investigation, successful or
// not. The grouper consumes completions in publish order.
type Completion struct {
	Fingerprint string
}

type taskState int

const (
	taskQueued taskState = iota
	taskInFlight
)

// Queue is a bounded two-priority FIFO drained by a fixed worker pool.
// Submissions beyond capacity block the caller, applying backpressure to the
// poller and the webhook ingress.
type Queue struct {
	alerts  *store.Alerts
	inv     Investigator
	timeout time.Duration
	workers int
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *QueueMetrics

	mtx     sync.Mutex
	pending map[string]taskState

	slots       chan struct{}
	high        chan string
	normal      chan string
	completions chan Completion
}

// NewQueue returns a queue of the given capacity drained by workers workers.
// Each investigation runs under timeout.
func NewQueue(
	alerts *store.Alerts,
	inv Investigator,
	workers, capacity int,
	timeout time.Duration,
	clock quartz.Clock,
	l *slog.Logger,
	m *QueueMetrics,
) *Queue {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Queue{
		alerts:      alerts,
		inv:         inv,
		timeout:     timeout,
		workers:     workers,
		clock:       clock,
		logger:      l.With("component", "enrich"),
		metrics:     m,
		pending:     make(map[string]taskState),
		slots:       make(chan struct{}, capacity),
		high:        make(chan string, capacity),
		normal:      make(chan string, capacity),
		completions: make(chan Completion, capacity),
	}
}

// Completions returns the channel of terminal investigation events. It is
// closed when Run returns.
func (q *Queue) Completions() <-chan Completion {
	return q.completions
}

// Depth returns the number of fingerprints queued or in flight.
func (q *Queue) Depth() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.pending)
}

// Submit admits the fingerprint for enrichment. It returns false without
// enqueuing when the fingerprint is already queued or in flight. When the
// queue is at capacity, Submit blocks until a slot frees or ctx is done.
func (q *Queue) Submit(ctx context.Context, fp string, prio Priority) (bool, error) {
	if fp == "" {
		panic("enrich: submit of empty fingerprint")
	}

	q.mtx.Lock()
	if _, ok := q.pending[fp]; ok {
		q.mtx.Unlock()
		q.metrics.submissions.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	q.pending[fp] = taskQueued
	q.mtx.Unlock()

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.forget(fp)
		return false, ctx.Err()
	}

	// A slot is held, so the buffered channel always has room.
	switch prio {
	case PriorityHigh:
		q.high <- fp
	default:
		q.normal <- fp
	}
	q.metrics.depth.Inc()
	q.metrics.submissions.WithLabelValues("accepted").Inc()
	return true, nil
}

func (q *Queue) forget(fp string) {
	q.mtx.Lock()
	delete(q.pending, fp)
	q.mtx.Unlock()
}

// markInFlight transitions the fingerprint from queued to in flight. A
// fingerprint that is not queued here means double admission, which breaches
// the at-most-once invariant.
func (q *Queue) markInFlight(fp string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	state, ok := q.pending[fp]
	if !ok || state != taskQueued {
		panic("enrich: fingerprint popped twice: " + fp)
	}
	q.pending[fp] = taskInFlight
}

// Run starts the worker pool and blocks until ctx is done and all workers
// returned. Workers observe cancellation between steps; a canceled
// investigation is abandoned and its enrichment reverts to pending.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	close(q.completions)
}

func (q *Queue) worker(ctx context.Context) {
	for {
		var fp string
		// Drain high before normal within the ready batch.
		select {
		case fp = <-q.high:
		case <-ctx.Done():
			return
		default:
			select {
			case fp = <-q.high:
			case fp = <-q.normal:
			case <-ctx.Done():
				return
			}
		}

		q.metrics.depth.Dec()
		<-q.slots
		q.markInFlight(fp)
		q.metrics.inFlight.Inc()

		publish := q.process(ctx, fp)

		// Clear the pending entry before publishing so a resubmission
		// racing with the completion event is never rejected.
		q.metrics.inFlight.Dec()
		q.forget(fp)

		if publish {
			select {
			case q.completions <- Completion{Fingerprint: fp}:
			case <-ctx.Done():
			}
		}
	}
}

// process runs one investigation and reports whether a completion event
// should be published.
func (q *Queue) process(ctx context.Context, fp string) bool {
	alert, err := q.alerts.Get(fp)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted between admission and execution.
		q.metrics.investigations.WithLabelValues("skipped").Inc()
		return false
	}

	id := uuid.NewString()
	if err := q.alerts.SetEnrichment(fp, &types.Enrichment{
		ID:     id,
		Status: types.EnrichmentInProgress,
	}); err != nil {
		q.metrics.investigations.WithLabelValues("skipped").Inc()
		return false
	}

	start := q.clock.Now()
	ictx, cancel := context.WithTimeout(ctx, q.timeout)
	enrichment, err := q.inv.Investigate(ictx, alert)
	cancel()
	latency := q.clock.Since(start)

	if ctx.Err() != nil {
		// Pool shutdown: discard the partial result, no completion event.
		q.revert(fp, id)
		return false
	}

	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		q.metrics.investigations.WithLabelValues(outcome).Inc()
		q.logger.Warn("Investigation failed", "alert", alert, "err", err)
		q.persist(fp, &types.Enrichment{
			ID:      id,
			Status:  types.EnrichmentFailed,
			Error:   err.Error(),
			Latency: latency,
		})
	} else {
		q.metrics.investigations.WithLabelValues("ok").Inc()
		q.metrics.duration.Observe(latency.Seconds())
		e := enrichment.Clone()
		e.ID = id
		e.Status = types.EnrichmentOK
		e.Latency = latency
		q.persist(fp, e)
	}
	return true
}

func (q *Queue) persist(fp string, e *types.Enrichment) {
	e.UpdatedAt = time.Now()
	if err := q.alerts.SetEnrichment(fp, e); err != nil {
		// Deleted mid-investigation; nothing left to attach to.
		q.logger.Debug("Dropping enrichment for deleted alert", "fingerprint", fp)
	}
}

func (q *Queue) revert(fp, id string) {
	if err := q.alerts.SetEnrichment(fp, &types.Enrichment{
		ID:     id,
		Status: types.EnrichmentPending,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.logger.Warn("Reverting enrichment failed", "fingerprint", fp, "err", err)
	}
}
