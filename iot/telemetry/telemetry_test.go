package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/store"
)

const (
	testTable       = "Telemetry"
	testMetricIndex = "MetricTypeIndex"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIngestor(t *testing.T, retention time.Duration) (*Ingestor, *store.Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemory(&store.MemoryBuilder{
		Tables: []store.TableSchema{Schema(testTable, testMetricIndex)},
		Clock:  clock.Now,
	})
	return New(&Builder{
		Store:           s,
		Table:           testTable,
		MetricTypeIndex: testMetricIndex,
		Retention:       retention,
		Clock:           clock.Now,
	}), s, clock
}

func TestIngestWithoutDeviceID(t *testing.T) {
	i, s, _ := newTestIngestor(t, 0)
	_, err := i.Ingest(context.Background(), Sample{Payload: map[string]interface{}{"value": 1}})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = i.Ingest(context.Background(), Sample{DeviceID: "d1/../d2"})
	assert.True(t, errors.Is(err, core.ErrInvalidInput), "ids the registry would reject")

	page, err := s.Scan(context.Background(), testTable, 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items, "nothing was written")
}

func TestIngestAndRecent(t *testing.T) {
	i, _, clock := newTestIngestor(t, 0)
	ctx := context.Background()
	const n = 5

	for k := 0; k < n; k++ {
		_, err := i.Ingest(ctx, Sample{DeviceID: "d1", Payload: map[string]interface{}{"value": k}})
		require.NoError(t, err)
	}

	readings, err := i.Recent(ctx, "d1", n)
	require.NoError(t, err)
	require.Len(t, readings, n)
	for k, r := range readings {
		if k > 0 {
			assert.Less(t, r.Timestamp, readings[k-1].Timestamp, "newest first and unique")
		}
		assert.Equal(t, r.Timestamp+DefaultRetention.Milliseconds(), r.ExpiresAt)
		assert.Equal(t, (r.ExpiresAt+999)/1000, r.TTL)
		assert.Equal(t, DefaultMetricType, r.MetricType)
	}
	assert.Equal(t, clock.Now().UnixMilli()+n-1, readings[0].Timestamp)
	value, _ := store.ToInt64(readings[0].Payload["value"])
	assert.Equal(t, int64(n-1), value)
}

func TestRecentUnknownDevice(t *testing.T) {
	i, _, _ := newTestIngestor(t, 0)
	readings, err := i.Recent(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, readings)
	assert.Empty(t, readings)

	_, err = i.Recent(context.Background(), "", 0)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestRecentLimits(t *testing.T) {
	i, _, clock := newTestIngestor(t, 0)
	ctx := context.Background()
	for k := 0; k < DefaultRecentLimit+5; k++ {
		_, err := i.Ingest(ctx, Sample{DeviceID: "d1"})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	readings, err := i.Recent(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Len(t, readings, DefaultRecentLimit)

	readings, err = i.Recent(ctx, "d1", 3)
	require.NoError(t, err)
	assert.Len(t, readings, 3)
}

func TestRecentBeyondOnePage(t *testing.T) {
	i, _, clock := newTestIngestor(t, 0)
	ctx := context.Background()
	n := store.DefaultPageSize + 200
	for k := 0; k < n; k++ {
		_, err := i.Ingest(ctx, Sample{DeviceID: "d1", MetricType: "temp"})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	readings, err := i.Recent(ctx, "d1", n)
	require.NoError(t, err)
	require.Len(t, readings, n)
	for k := 1; k < n; k++ {
		require.Greater(t, readings[k-1].Timestamp, readings[k].Timestamp)
	}

	readings, err = i.Recent(ctx, "d1", n+50)
	require.NoError(t, err)
	assert.Len(t, readings, n)

	readings, err = i.ByMetric(ctx, "temp", store.DefaultPageSize+1)
	require.NoError(t, err)
	assert.Len(t, readings, store.DefaultPageSize+1)
}

func TestRetention(t *testing.T) {
	i, _, clock := newTestIngestor(t, time.Hour)
	ctx := context.Background()
	r, err := i.Ingest(ctx, Sample{DeviceID: "d1", MetricType: "temp"})
	require.NoError(t, err)
	assert.Equal(t, r.Timestamp+time.Hour.Milliseconds(), r.ExpiresAt)
	assert.Equal(t, time.Hour, i.Retention())

	clock.Advance(59 * time.Minute)
	readings, err := i.Recent(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	clock.Advance(2 * time.Minute)
	readings, err = i.Recent(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Empty(t, readings, "expired readings are excluded immediately")
}

func TestByMetric(t *testing.T) {
	i, _, clock := newTestIngestor(t, 0)
	ctx := context.Background()
	for _, s := range []Sample{
		{DeviceID: "d1", MetricType: "temp"},
		{DeviceID: "d2", MetricType: "temp"},
		{DeviceID: "d2", MetricType: "humidity"},
	} {
		_, err := i.Ingest(ctx, s)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	readings, err := i.ByMetric(ctx, "temp", 0)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "d2", readings[0].DeviceID)
	assert.Equal(t, "d1", readings[1].DeviceID)

	_, err = i.ByMetric(ctx, "", 0)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestConcurrentIngestDoesNotCollide(t *testing.T) {
	i, _, _ := newTestIngestor(t, 0)
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := i.Ingest(ctx, Sample{DeviceID: "d1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	readings, err := i.Recent(ctx, "d1", 0)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, r := range readings {
		seen[r.Timestamp] = true
	}
	assert.Len(t, seen, n)
}

type conflictingStore struct {
	store.Store
	puts int
}

func (s *conflictingStore) Put(ctx context.Context, table string, item store.Item, condition *store.Condition) error {
	s.puts++
	return core.ErrConditionFailed
}

func TestIngestGivesUpAfterBoundedAttempts(t *testing.T) {
	s := &conflictingStore{}
	i := New(&Builder{Store: s, Table: testTable, MetricTypeIndex: testMetricIndex})
	_, err := i.Ingest(context.Background(), Sample{DeviceID: "d1"})
	assert.True(t, errors.Is(err, core.ErrConditionFailed))
	assert.Equal(t, maxCollisionAttempts, s.puts)
}

func TestSampleFromMap(t *testing.T) {
	s, err := SampleFromMap(map[string]interface{}{
		"deviceId":  "d1",
		"value":     21.5,
		"timestamp": 1,
		"ttl":       2,
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", s.DeviceID)
	assert.Equal(t, map[string]interface{}{"value": 21.5}, s.Payload)

	_, err = SampleFromMap(map[string]interface{}{"metricType": 3})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestReadingJSON(t *testing.T) {
	r := Reading{DeviceID: "d1", Timestamp: 1000, MetricType: "temp", ExpiresAt: 2000, TTL: 2, Payload: map[string]interface{}{"value": 21.5}}
	body, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"d1","timestamp":1000,"metricType":"temp","expiresAt":2000,"ttl":2,"value":21.5}`, string(body))
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []core.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return errors.New("queue unavailable")
}

func TestIngestNotifies(t *testing.T) {
	n := &recordingNotifier{}
	s := store.NewMemory(&store.MemoryBuilder{Tables: []store.TableSchema{Schema(testTable, testMetricIndex)}})
	i := New(&Builder{Store: s, Table: testTable, MetricTypeIndex: testMetricIndex, Notifier: n})

	r, err := i.Ingest(context.Background(), Sample{DeviceID: "d1", MetricType: "temp"})
	require.NoError(t, err, "notification failures do not fail the ingest")
	require.Len(t, n.notifications, 1)
	assert.Equal(t, Resource, n.notifications[0].Resource)
	assert.Equal(t, core.OperationCreate, n.notifications[0].Operation)
	assert.Equal(t, r.DeviceID, n.notifications[0].Key)
	assert.Contains(t, string(n.notifications[0].Payload), `"metricType":"temp"`)
}
