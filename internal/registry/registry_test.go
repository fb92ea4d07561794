package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/metrics"
	"eventbroker/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]string
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data ...[]string) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	for i, d := range dest {
		*d.(*string) = r.data[r.idx][i]
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- Store ---

func TestStoreSwapCopiesInput(t *testing.T) {
	store := NewStore()
	input := map[string]string{"abc123": "https://rp.example/events"}
	store.Swap(input, "test", time.Now())

	input["abc123"] = "https://mutated.example"
	input["late"] = "https://late.example"

	url, ok := store.Lookup("abc123")
	assert.True(t, ok)
	assert.Equal(t, "https://rp.example/events", url)
	_, ok = store.Lookup("late")
	assert.False(t, ok)
}

func TestStoreInitiallyEmpty(t *testing.T) {
	store := NewStore()
	_, ok := store.Lookup("abc123")
	assert.False(t, ok)
	assert.True(t, store.Snapshot().LoadedAt.IsZero())
	assert.Zero(t, store.Snapshot().Len())
}

func TestStoreSwapNil(t *testing.T) {
	store := NewStore()
	snap := store.Swap(nil, "test", time.Now())
	assert.Zero(t, snap.Len())
	_, ok := store.Lookup("x")
	assert.False(t, ok)
}

func TestStoreReadersSeeWholeSnapshots(t *testing.T) {
	store := NewStore()
	a := map[string]string{"one": "https://a.example/1", "two": "https://a.example/2"}
	b := map[string]string{"one": "https://b.example/1", "two": "https://b.example/2"}
	store.Swap(a, "test", time.Now())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				store.Swap(b, "test", time.Now())
			} else {
				store.Swap(a, "test", time.Now())
			}
		}
	}()

	for range 10000 {
		snap := store.Snapshot()
		one, _ := snap.Lookup("one")
		two, _ := snap.Lookup("two")
		// Both entries always come from the same generation.
		assert.Equal(t, one[:10], two[:10])
	}
	close(stop)
	wg.Wait()
}

// --- Sources ---

func TestPostgresSourceLoad(t *testing.T) {
	db := new(mockDBTX)
	rows := newMockRows(
		[]string{"abc123", "https://rp.example/events"},
		[]string{"bad", "ftp://rp.example/events"},
		[]string{"def456", "http://localhost:9000/hook"},
	)
	db.On("Query", mock.Anything, selectWebhooks, mock.Anything).Return(rows, nil)

	got, err := NewPostgresSource(db, discardLogger()).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"abc123": "https://rp.example/events",
		"def456": "http://localhost:9000/hook",
	}, got)
	assert.True(t, rows.closed)
	db.AssertExpectations(t)
}

func TestPostgresSourceErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(db *mockDBTX)
	}{
		{"query error", func(db *mockDBTX) {
			db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		}},
		{"scan error", func(db *mockDBTX) {
			rows := newMockRows([]string{"abc123", "https://rp.example"})
			rows.scanErr = errors.New("bad column")
			db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)
		}},
		{"rows error", func(db *mockDBTX) {
			rows := newMockRows()
			rows.errVal = errors.New("conn reset")
			db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			tt.setup(db)

			_, err := NewPostgresSource(db, discardLogger()).Load(context.Background())
			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeInternalRegistry, appErr.Code)
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSourceLoad(t *testing.T) {
	path := writeFile(t, `
webhooks:
  abc123: https://rp.example/events
  def456: "http://localhost:9000/hook"
`)
	got, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"abc123": "https://rp.example/events",
		"def456": "http://localhost:9000/hook",
	}, got)
}

func TestFileSourceEmpty(t *testing.T) {
	got, err := NewFileSource(writeFile(t, "webhooks: {}\n")).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileSourceErrors(t *testing.T) {
	tests := map[string]string{
		"not yaml":       "webhooks: [unterminated",
		"bad scheme":     "webhooks:\n  abc123: gopher://rp.example\n",
		"missing host":   "webhooks:\n  abc123: https://\n",
		"empty clientId": "webhooks:\n  \"\": https://rp.example\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewFileSource(writeFile(t, content)).Load(context.Background())
			assert.Error(t, err)
		})
	}

	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

// --- Refresher ---

type fakeSource struct {
	mu    sync.Mutex
	data  map[string]string
	err   error
	loads atomic.Int32
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Load(context.Context) (map[string]string, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *fakeSource) set(data map[string]string, err error) {
	f.mu.Lock()
	f.data, f.err = data, err
	f.mu.Unlock()
}

func TestRefresherLoad(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{data: map[string]string{"abc123": "https://rp.example"}}
	store := NewStore()
	rec := &metrics.MemoryRecorder{}

	r := NewRefresher(store, src, time.Minute, rec, discardLogger(), types.FixedClock{T: now})
	require.NoError(t, r.Load(context.Background()))

	assert.Equal(t, now, store.Snapshot().LoadedAt)
	assert.Equal(t, "fake", store.Snapshot().Source)
	sizes := rec.Counts(types.MetricRegistrySize)
	require.Len(t, sizes, 1)
	assert.Equal(t, 1.0, sizes[0].Value)
}

func TestRefresherLoadFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	r := NewRefresher(NewStore(), src, time.Minute, nil, discardLogger(), nil)
	assert.Error(t, r.Load(context.Background()))
}

func TestRefresherRunKeepsLastGoodSnapshot(t *testing.T) {
	src := &fakeSource{data: map[string]string{"abc123": "https://rp.example/v1"}}
	store := NewStore()
	rec := &metrics.MemoryRecorder{}
	r := NewRefresher(store, src, 5*time.Millisecond, rec, discardLogger(), nil)
	require.NoError(t, r.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	src.set(nil, errors.New("db down"))
	assert.Eventually(t, func() bool {
		return len(rec.Counts(types.MetricRegistryRefreshFailure)) >= 2
	}, time.Second, time.Millisecond)
	url, ok := store.Lookup("abc123")
	assert.True(t, ok)
	assert.Equal(t, "https://rp.example/v1", url)

	src.set(map[string]string{"abc123": "https://rp.example/v2"}, nil)
	assert.Eventually(t, func() bool {
		url, _ := store.Lookup("abc123")
		return url == "https://rp.example/v2"
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRefresherRunRejectsZeroInterval(t *testing.T) {
	r := NewRefresher(NewStore(), &fakeSource{}, 0, nil, discardLogger(), nil)
	assert.Error(t, r.Run(context.Background()))
}

// --- Probes ---

func TestFreshnessProbe(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore()
	probe := NewFreshnessProbe(store, 5*time.Minute, types.FixedClock{T: now})
	assert.Equal(t, "registry", probe.Name())

	assert.Error(t, probe.Check(context.Background()), "never loaded")

	store.Swap(map[string]string{}, "test", now.Add(-time.Minute))
	assert.NoError(t, probe.Check(context.Background()))

	store.Swap(map[string]string{}, "test", now.Add(-6*time.Minute))
	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestFreshnessProbeDetails(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore()
	probe := NewFreshnessProbe(store, 5*time.Minute, types.FixedClock{T: now})

	assert.Equal(t, map[string]any{"clients": 0}, probe.Details())

	store.Swap(map[string]string{"c1": "https://a.example/hook", "c2": "https://b.example/hook"}, "postgres", now.Add(-90*time.Second))
	assert.Equal(t, map[string]any{
		"clients":     2,
		"source":      "postgres",
		"age_seconds": int64(90),
	}, probe.Details())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestDatabaseProbe(t *testing.T) {
	assert.NoError(t, NewDatabaseProbe(fakePinger{}).Check(context.Background()))
	assert.Error(t, NewDatabaseProbe(fakePinger{err: errors.New("down")}).Check(context.Background()))
	assert.Equal(t, "database", NewDatabaseProbe(fakePinger{}).Name())
	assert.True(t, NewDatabaseProbe(fakePinger{}).Advisory())
}
