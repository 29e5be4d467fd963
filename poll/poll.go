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

// Package poll drives the upstream fetch loops. Each source runs in its own
// goroutine so a broken upstream never stalls the others.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/amtriage/amtriage/enrich"
	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/types"
	"github.com/amtriage/amtriage/upstream"
)

const (
	backoffInitial = time.Second
	backoffMax     = 5 * time.Minute
)

// Fetcher is the upstream client surface the poller needs.
type Fetcher interface {
	ID() string
	Fetch(ctx context.Context, f upstream.Filter) ([]*types.Alert, error)
}

// Submitter enqueues fingerprints for enrichment.
type Submitter interface {
	Submit(ctx context.Context, fp string, prio enrich.Priority) (bool, error)
}

// Source pairs an upstream client with its fetch filter.
type Source struct {
	Client Fetcher
	Filter upstream.Filter
}

type sourceRun struct {
	src    *Source
	cancel context.CancelFunc
}

// Poller periodically reconciles upstream alerts into the store and submits
// new firing episodes for enrichment.
type Poller struct {
	alerts   *store.Alerts
	queue    Submitter
	interval time.Duration
	clock    quartz.Clock
	logger   *slog.Logger
	metrics  *PollerMetrics

	mtx     sync.Mutex
	running map[string]*sourceRun
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewPoller creates a Poller. Sources are registered with UpdateSources and
// start polling once Run is called. A nil clock falls back to the real one.
func NewPoller(
	alerts *store.Alerts,
	queue Submitter,
	interval time.Duration,
	clock quartz.Clock,
	l *slog.Logger,
	m *PollerMetrics,
) *Poller {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Poller{
		alerts:   alerts,
		queue:    queue,
		interval: interval,
		clock:    clock,
		logger:   l.With("component", "poller"),
		metrics:  m,
		running:  make(map[string]*sourceRun),
	}
}

// UpdateSources reconciles the active fetch loops against the given set.
// New sources start polling immediately, removed sources are cancelled, and
// sources present in both keep their loop untouched. Safe to call while
// running; this is the SIGHUP reload path.
func (p *Poller) UpdateSources(sources []*Source) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	desired := make(map[string]*Source, len(sources))
	for _, s := range sources {
		desired[s.Client.ID()] = s
	}

	for id, run := range p.running {
		if _, ok := desired[id]; !ok {
			p.logger.Info("Removing source", "source", id)
			if run.cancel != nil {
				run.cancel()
			}
			delete(p.running, id)
		}
	}
	for id, s := range desired {
		if _, ok := p.running[id]; ok {
			continue
		}
		run := &sourceRun{src: s}
		p.running[id] = run
		if p.ctx != nil {
			p.start(run)
		}
	}
}

// Run starts one fetch loop per registered source and blocks until ctx is
// cancelled and all loops have stopped.
func (p *Poller) Run(ctx context.Context) error {
	p.mtx.Lock()
	p.ctx = ctx
	for _, run := range p.running {
		if run.cancel == nil {
			p.start(run)
		}
	}
	p.mtx.Unlock()

	<-ctx.Done()
	p.wg.Wait()
	return nil
}

// start must be called with p.mtx held and p.ctx set.
func (p *Poller) start(run *sourceRun) {
	ctx, cancel := context.WithCancel(p.ctx)
	run.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSource(ctx, run.src)
	}()
}

func (p *Poller) runSource(ctx context.Context, src *Source) {
	id := src.Client.ID()
	logger := p.logger.With("source", id)
	logger.Info("Starting fetch loop", "interval", p.interval)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		wait := p.interval
		if err := p.fetchOnce(ctx, src, logger); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			logger.Warn("Fetch failed, backing off", "err", err, "backoff", wait)
		} else {
			bo.Reset()
		}

		timer := p.clock.NewTimer(wait, "poll", id)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) fetchOnce(ctx context.Context, src *Source, logger *slog.Logger) error {
	id := src.Client.ID()
	p.metrics.fetches.WithLabelValues(id).Inc()

	alerts, err := src.Client.Fetch(ctx, src.Filter)
	if err != nil {
		p.metrics.fetchErrors.WithLabelValues(id).Inc()
		return err
	}
	p.metrics.lastSuccess.WithLabelValues(id).Set(float64(p.clock.Now().Unix()))

	var created, updated int
	for _, a := range alerts {
		out := p.alerts.Upsert(a, id)
		switch out.Op {
		case store.OpCreated:
			created++
		case store.OpUpdated:
			updated++
		}
		// A resolved alert keeps its enrichment and is never resubmitted;
		// only a new alert or a reopened one starts an investigation.
		if out.Op == store.OpCreated || out.Reopened {
			if _, err := p.queue.Submit(ctx, a.Fingerprint, enrich.PriorityNormal); err != nil {
				return err
			}
		}
	}
	if created > 0 || updated > 0 {
		logger.Debug("Reconciled upstream alerts", "fetched", len(alerts), "created", created, "updated", updated)
	}
	p.metrics.alertsCreated.WithLabelValues(id).Add(float64(created))
	p.metrics.alertsUpdated.WithLabelValues(id).Add(float64(updated))
	return nil
}
