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

// Package notify implements the destination fan-out: every admitted
// (alert, group) pair is formatted per destination and delivered with
// bounded retry. Destinations are independent; one destination failing or
// lagging never affects another.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/amtriage/amtriage/types"
)

// Kind classifies a destination's payload shape.
type Kind string

const (
	KindChat    Kind = "chat"
	KindRelay   Kind = "relay"
	KindWebhook Kind = "webhook"
)

// Outcome is a destination's verdict on one delivery attempt. Transient
// outcomes are retried with backoff; permanent outcomes terminate retries
// immediately.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Destination delivers formatted alerts somewhere. Format is stateless.
type Destination interface {
	Name() string
	Kind() Kind
	Format(alert *types.Alert, e *types.Enrichment, group *types.Group) ([]byte, error)
	Deliver(ctx context.Context, payload []byte) (Outcome, error)
}

// DeliveryFailure is one exhausted or permanently failed delivery, kept in a
// per-destination ring of the most recent failureRingSize entries.
type DeliveryFailure struct {
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	Fingerprint string    `json:"fingerprint"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
}

const (
	failureRingSize = 100
	queueCap        = 64

	retryInitial = time.Second
	retryMax     = time.Minute

	// flushTimeout bounds the shutdown flush of a worker's remaining queue;
	// the process-level shutdown grace is the hard stop.
	flushTimeout = 5 * time.Second
)

type item struct {
	alert *types.Alert
	group *types.Group
}

type worker struct {
	dest        Destination
	maxAttempts int
	queue       chan item
	ring        *lru.Cache[uint64, DeliveryFailure]
	seq         *atomic.Uint64
}

// Fanout multiplexes admitted alerts onto every registered destination, each
// with its own bounded queue and worker.
type Fanout struct {
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *FanoutMetrics

	mtx     sync.RWMutex
	workers map[string]*worker
	order   []string
}

// NewFanout returns an empty fan-out. Destinations are registered with Add
// before Run is called.
func NewFanout(clock quartz.Clock, l *slog.Logger, m *FanoutMetrics) *Fanout {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Fanout{
		clock:   clock,
		logger:  l.With("component", "fanout"),
		metrics: m,
		workers: map[string]*worker{},
	}
}

// Add registers a destination with its per-destination attempt cap.
func (f *Fanout) Add(dest Destination, maxAttempts int) {
	ring, err := lru.New[uint64, DeliveryFailure](failureRingSize)
	if err != nil {
		panic(err)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.workers[dest.Name()] = &worker{
		dest:        dest,
		maxAttempts: maxAttempts,
		queue:       make(chan item, queueCap),
		ring:        ring,
		seq:         atomic.NewUint64(0),
	}
	f.order = append(f.order, dest.Name())
}

// Destinations returns the registered destination names in registration
// order.
func (f *Fanout) Destinations() []string {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	res := make([]string, len(f.order))
	copy(res, f.order)
	return res
}

// Submit clones the pair onto every destination queue. It never blocks: a
// full queue drops its oldest item, counted per destination.
func (f *Fanout) Submit(alert *types.Alert, group *types.Group) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()

	for _, name := range f.order {
		w := f.workers[name]
		it := item{alert: alert.Clone(), group: group.Clone()}
		select {
		case w.queue <- it:
			continue
		default:
		}
		// Queue full: shed the oldest entry and retry once.
		select {
		case <-w.queue:
			f.metrics.dropped.WithLabelValues(name).Inc()
		default:
		}
		select {
		case w.queue <- it:
		default:
			f.metrics.dropped.WithLabelValues(name).Inc()
		}
	}
}

// Failures returns the recorded delivery failures for the destination,
// oldest first.
func (f *Fanout) Failures(name string) []DeliveryFailure {
	f.mtx.RLock()
	w, ok := f.workers[name]
	f.mtx.RUnlock()
	if !ok {
		return nil
	}
	keys := w.ring.Keys()
	res := make([]DeliveryFailure, 0, len(keys))
	for _, k := range keys {
		if v, ok := w.ring.Peek(k); ok {
			res = append(res, v)
		}
	}
	return res
}

// Run starts one worker per destination and blocks until ctx is done and
// every worker flushed its remaining queue. Nothing is dropped silently on
// shutdown: each leftover item gets one grace-bounded attempt and lands in
// the failure ring if that attempt does not succeed.
func (f *Fanout) Run(ctx context.Context) {
	f.mtx.RLock()
	workers := make([]*worker, 0, len(f.order))
	for _, name := range f.order {
		workers = append(workers, f.workers[name])
	}
	f.mtx.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			f.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (f *Fanout) runWorker(ctx context.Context, w *worker) {
	logger := f.logger.With("destination", w.dest.Name())
	for {
		select {
		case it := <-w.queue:
			f.deliver(ctx, w, it, logger)
		case <-ctx.Done():
			f.flush(w, logger)
			return
		}
	}
}

// flush drains the queued items at shutdown, one best-effort attempt each
// under a shared grace deadline.
func (f *Fanout) flush(w *worker, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case it := <-w.queue:
			payload, err := w.dest.Format(it.alert, it.alert.Enrichment, it.group)
			if err != nil {
				f.metrics.failed.WithLabelValues(w.dest.Name()).Inc()
				f.recordFailure(w, it, 0, "format: "+err.Error())
				continue
			}
			f.lastAttempt(fctx, w, it, payload, 0, logger)
		default:
			return
		}
	}
}

// lastAttempt delivers an item once, outside the cancelled run context, and
// records the item as failed if the attempt does not succeed.
func (f *Fanout) lastAttempt(ctx context.Context, w *worker, it item, payload []byte, prior int, logger *slog.Logger) {
	name := w.dest.Name()

	outcome, err := w.dest.Deliver(ctx, payload)
	f.metrics.attempts.WithLabelValues(name).Inc()
	if outcome == OutcomeOK {
		f.metrics.notifications.WithLabelValues(name).Inc()
		logger.Debug("Delivered during shutdown flush", "alert", it.alert)
		return
	}
	f.metrics.failed.WithLabelValues(name).Inc()
	logger.Warn("Dropping notification at shutdown", "alert", it.alert, "err", err)
	f.recordFailure(w, it, prior+1, reason(err, "shutdown flush failed"))
}

func (f *Fanout) deliver(ctx context.Context, w *worker, it item, logger *slog.Logger) {
	name := w.dest.Name()

	payload, err := w.dest.Format(it.alert, it.alert.Enrichment, it.group)
	if err != nil {
		logger.Error("Formatting failed", "alert", it.alert, "err", err)
		f.metrics.failed.WithLabelValues(name).Inc()
		f.recordFailure(w, it, 0, "format: "+err.Error())
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = 2
	bo.MaxInterval = retryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		outcome, err := w.dest.Deliver(ctx, payload)
		f.metrics.attempts.WithLabelValues(name).Inc()

		switch outcome {
		case OutcomeOK:
			f.metrics.notifications.WithLabelValues(name).Inc()
			logger.Debug("Delivered", "alert", it.alert, "attempts", attempt)
			return
		case OutcomePermanent:
			f.metrics.failed.WithLabelValues(name).Inc()
			logger.Warn("Permanent delivery failure", "alert", it.alert, "attempts", attempt, "err", err)
			f.recordFailure(w, it, attempt, reason(err, "permanent"))
			return
		}

		if attempt >= w.maxAttempts {
			f.metrics.failed.WithLabelValues(name).Inc()
			logger.Warn("Delivery attempts exhausted", "alert", it.alert, "attempts", attempt, "err", err)
			f.recordFailure(w, it, attempt, reason(err, "attempts exhausted"))
			return
		}

		logger.Debug("Transient delivery failure, backing off", "alert", it.alert, "attempt", attempt, "err", err)
		timer := f.clock.NewTimer(bo.NextBackOff(), "retry")
		select {
		case <-timer.C:
		case <-ctx.Done():
			// Shutdown interrupts the wait; the item gets one more
			// grace-bounded attempt instead of vanishing mid-retry.
			timer.Stop()
			fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			f.lastAttempt(fctx, w, it, payload, attempt, logger)
			cancel()
			return
		}
	}
}

func (f *Fanout) recordFailure(w *worker, it item, attempts int, why string) {
	seq := w.seq.Inc()
	w.ring.Add(seq, DeliveryFailure{
		Seq:         seq,
		Time:        time.Now(),
		Fingerprint: it.alert.Fingerprint,
		Attempts:    attempts,
		Reason:      why,
	})
}

func reason(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
