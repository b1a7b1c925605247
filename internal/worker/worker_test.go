package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/dream-interpreter/internal/billing"
	"github.com/vnmchuo/dream-interpreter/internal/metrics"
)

type mockStore struct {
	mu           sync.Mutex
	records      []*billing.UsageRecord
	logUsageFunc func(ctx context.Context, rec *billing.UsageRecord) error
}

func (m *mockStore) LogUsage(ctx context.Context, rec *billing.UsageRecord) error {
	if m.logUsageFunc != nil {
		if err := m.logUsageFunc(ctx, rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageRecord, error) {
	return nil, nil
}

func (m *mockStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	return 0, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestRecorder_WritesAndDrainsOnClose(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store, Config{Workers: 3, Buffer: 100}, metrics.New())

	for i := 0; i < 50; i++ {
		require.True(t, r.Record(&billing.UsageRecord{RequestID: "req"}))
	}
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 50, store.count())
	assert.False(t, r.Record(&billing.UsageRecord{}), "records after Close are refused")
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	store := &mockStore{logUsageFunc: func(ctx context.Context, rec *billing.UsageRecord) error {
		<-release
		return nil
	}}
	m := metrics.New()
	r := NewRecorder(store, Config{Workers: 1, Buffer: 1}, m)

	// One record is held by the blocked worker and one fills the buffer;
	// the rest must be dropped rather than block.
	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if r.Record(&billing.UsageRecord{}) {
				accepted++
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(release)
	require.NoError(t, r.Close(context.Background()))

	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, accepted, store.count())
	expected := fmt.Sprintf(`
# HELP dream_usage_records_dropped_total Usage records dropped because the sink queue was full.
# TYPE dream_usage_records_dropped_total counter
dream_usage_records_dropped_total %d
`, 10-accepted)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dream_usage_records_dropped_total"))
}

func TestRecorder_StoreErrorsAreSwallowed(t *testing.T) {
	store := &mockStore{logUsageFunc: func(ctx context.Context, rec *billing.UsageRecord) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected write context to carry a deadline")
		}
		return errors.New("db down")
	}}
	r := NewRecorder(store, Config{Workers: 1, Buffer: 4, WriteTimeout: time.Second}, nil)

	assert.True(t, r.Record(&billing.UsageRecord{RequestID: "req-1"}))
	require.NoError(t, r.Close(context.Background()))
	assert.Zero(t, store.count())
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	store := &mockStore{logUsageFunc: func(ctx context.Context, rec *billing.UsageRecord) error {
		<-block
		return nil
	}}
	r := NewRecorder(store, Config{Workers: 1, Buffer: 1}, nil)
	r.Record(&billing.UsageRecord{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}
