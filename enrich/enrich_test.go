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

package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/types"
)

// fakeInvestigator answers investigations from a function, tracking
// concurrency per fingerprint.
type fakeInvestigator struct {
	fn func(ctx context.Context, alert *types.Alert) (*types.Enrichment, error)

	mtx      sync.Mutex
	order    []string
	inFlight map[string]int
	maxSeen  int
}

func newFakeInvestigator(fn func(ctx context.Context, alert *types.Alert) (*types.Enrichment, error)) *fakeInvestigator {
	return &fakeInvestigator{fn: fn, inFlight: map[string]int{}}
}

func (f *fakeInvestigator) Investigate(ctx context.Context, alert *types.Alert) (*types.Enrichment, error) {
	f.mtx.Lock()
	f.order = append(f.order, alert.Fingerprint)
	f.inFlight[alert.Fingerprint]++
	if f.inFlight[alert.Fingerprint] > f.maxSeen {
		f.maxSeen = f.inFlight[alert.Fingerprint]
	}
	f.mtx.Unlock()

	defer func() {
		f.mtx.Lock()
		f.inFlight[alert.Fingerprint]--
		f.mtx.Unlock()
	}()
	return f.fn(ctx, alert)
}

func okEnrichment(cause string) *types.Enrichment {
	return &types.Enrichment{
		RootCause: cause,
		Category:  types.CategoryApplication,
		Evidence:  []types.Evidence{{Tool: "logs", Summary: "checked"}},
	}
}

func newTestQueue(t *testing.T, inv Investigator, workers, capacity int, timeout time.Duration) (*Queue, *store.Alerts) {
	t.Helper()
	alerts := store.NewAlerts()
	q := NewQueue(alerts, inv, workers, capacity, timeout, nil, promslog.NewNopLogger(), NewQueueMetrics(nil))
	return q, alerts
}

func insert(t *testing.T, alerts *store.Alerts, fp string) {
	t.Helper()
	alerts.Upsert(&types.Alert{
		Fingerprint: fp,
		Labels:      model.LabelSet{"alertname": "OOM"},
		Status:      types.AlertFiring,
	}, "test")
}

func TestSubmitAndEnrich(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		return okEnrichment("memory exhaustion"), nil
	})
	q, alerts := newTestQueue(t, inv, 2, 16, time.Second)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	ok, err := q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case c := <-q.Completions():
		require.Equal(t, "a1", c.Fingerprint)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}

	got, err := alerts.Get("a1")
	require.NoError(t, err)
	require.Equal(t, types.EnrichmentOK, got.Enrichment.Status)
	require.Equal(t, "memory exhaustion", got.Enrichment.RootCause)
	require.NotEmpty(t, got.Enrichment.ID)
	require.Len(t, got.Enrichment.Evidence, 1)

	cancel()
	<-done
}

func TestSubmitDuplicateIsNoop(t *testing.T) {
	release := make(chan struct{})
	inv := newFakeInvestigator(func(ctx context.Context, _ *types.Alert) (*types.Enrichment, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okEnrichment("x"), nil
	})
	q, alerts := newTestQueue(t, inv, 1, 16, time.Minute)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	ok, err := q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)

	// Wait until the fingerprint is in flight, then submit again.
	require.Eventually(t, func() bool {
		inv.mtx.Lock()
		defer inv.mtx.Unlock()
		return len(inv.order) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ok, err = q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	require.False(t, ok)

	close(release)
	<-q.Completions()

	// After completion the fingerprint may be admitted again.
	ok, err = q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAtMostOneInFlightPerFingerprint(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		time.Sleep(time.Millisecond)
		return okEnrichment("x"), nil
	})
	q, alerts := newTestQueue(t, inv, 4, 64, time.Minute)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	go func() {
		for range q.Completions() {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := q.Submit(ctx, "a1", PriorityNormal)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return q.Depth() == 0 }, 5*time.Second, 10*time.Millisecond)

	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	require.Equal(t, 1, inv.maxSeen, "more than one investigation in flight for one fingerprint")
}

func TestSubmitBlocksAtCapacity(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		return okEnrichment("x"), nil
	})
	// No workers running: submissions pile up in the queue.
	q, alerts := newTestQueue(t, inv, 1, 1, time.Minute)
	insert(t, alerts, "a1")
	insert(t, alerts, "a2")

	ok, err := q.Submit(context.Background(), "a1", PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)

	blocked := atomic.NewBool(true)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, "a2", PriorityNormal)
		blocked.Store(false)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, blocked.Load(), "submit beyond capacity did not block")

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	// The aborted submission must not leave the fingerprint pending.
	require.Equal(t, 1, q.Depth())
}

func TestHighPriorityDrainsFirst(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		return okEnrichment("x"), nil
	})
	q, alerts := newTestQueue(t, inv, 1, 16, time.Minute)
	for _, fp := range []string{"n1", "n2", "h1"} {
		insert(t, alerts, fp)
	}

	ctx := context.Background()
	for _, fp := range []string{"n1", "n2"} {
		_, err := q.Submit(ctx, fp, PriorityNormal)
		require.NoError(t, err)
	}
	_, err := q.Submit(ctx, "h1", PriorityHigh)
	require.NoError(t, err)

	rctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(rctx)

	for i := 0; i < 3; i++ {
		<-q.Completions()
	}

	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	require.Equal(t, []string{"h1", "n1", "n2"}, inv.order)
}

func TestInvestigationFailure(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		return nil, errors.New("llm unavailable")
	})
	q, alerts := newTestQueue(t, inv, 1, 16, time.Minute)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	<-q.Completions()

	got, err := alerts.Get("a1")
	require.NoError(t, err)
	require.Equal(t, types.EnrichmentFailed, got.Enrichment.Status)
	require.Equal(t, "llm unavailable", got.Enrichment.Error)
}

func TestInvestigationTimeout(t *testing.T) {
	inv := newFakeInvestigator(func(ctx context.Context, _ *types.Alert) (*types.Enrichment, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q, alerts := newTestQueue(t, inv, 1, 16, 20*time.Millisecond)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	<-q.Completions()

	got, err := alerts.Get("a1")
	require.NoError(t, err)
	require.Equal(t, types.EnrichmentFailed, got.Enrichment.Status)
	require.Contains(t, got.Enrichment.Error, "deadline exceeded")
}

func TestCancellationRevertsInFlight(t *testing.T) {
	started := make(chan struct{})
	inv := newFakeInvestigator(func(ctx context.Context, _ *types.Alert) (*types.Enrichment, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q, alerts := newTestQueue(t, inv, 2, 16, time.Minute)
	insert(t, alerts, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	_, err := q.Submit(ctx, "a1", PriorityNormal)
	require.NoError(t, err)
	<-started

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not return after cancellation")
	}

	// The abandoned investigation reverted to pending and published nothing.
	got, err := alerts.Get("a1")
	require.NoError(t, err)
	require.Equal(t, types.EnrichmentPending, got.Enrichment.Status)
	_, ok := <-q.Completions()
	require.False(t, ok)
}

func TestDeletedAlertIsSkipped(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, _ *types.Alert) (*types.Enrichment, error) {
		return okEnrichment("x"), nil
	})
	q, alerts := newTestQueue(t, inv, 1, 16, time.Minute)
	insert(t, alerts, "a1")

	_, err := q.Submit(context.Background(), "a1", PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, alerts.Delete("a1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool { return q.Depth() == 0 }, 5*time.Second, 10*time.Millisecond)
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	require.Empty(t, inv.order, "deleted alert must not be investigated")
}

func TestManyFingerprints(t *testing.T) {
	inv := newFakeInvestigator(func(_ context.Context, alert *types.Alert) (*types.Enrichment, error) {
		return okEnrichment("cause " + alert.Fingerprint), nil
	})
	q, alerts := newTestQueue(t, inv, 4, 128, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	const n = 50
	for i := 0; i < n; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		insert(t, alerts, fp)
		_, err := q.Submit(ctx, fp, PriorityNormal)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		<-q.Completions()
	}

	for i := 0; i < n; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		got, err := alerts.Get(fp)
		require.NoError(t, err)
		require.Equal(t, types.EnrichmentOK, got.Enrichment.Status)
		require.Equal(t, "cause "+fp, got.Enrichment.RootCause)
	}
}
