package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
	block     chan struct{}
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatchClient) datums() []cwtypes.MetricDatum {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cwtypes.MetricDatum
	for _, c := range m.calls {
		out = append(out, c.MetricData...)
	}
	return out
}

func (m *mockCloudWatchClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *mockLogger) Info(string, ...any) {}
func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}
func (l *mockLogger) With(...any) types.Logger { return l }

func dimsOf(d cwtypes.MetricDatum) map[string]string {
	out := map[string]string{}
	for _, dim := range d.Dimensions {
		out[aws.ToString(dim.Name)] = aws.ToString(dim.Value)
	}
	return out
}

func TestCloudWatchRecorderFlushesOnClose(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: time.Hour}, &mockLogger{})

	rec.Count(types.MetricDeliverySuccess, 1, Dim(types.DimClientID, "abc123"), StatusDim(200))
	rec.Timing(types.MetricQueueDelay, 1500*time.Millisecond)

	require.NoError(t, rec.Close(context.Background()))

	require.Equal(t, 1, cw.callCount())
	assert.Equal(t, types.MetricNamespace, aws.ToString(cw.calls[0].Namespace))

	datums := cw.datums()
	require.Len(t, datums, 2)

	assert.Equal(t, types.MetricDeliverySuccess, aws.ToString(datums[0].MetricName))
	assert.Equal(t, cwtypes.StandardUnitCount, datums[0].Unit)
	assert.Equal(t, map[string]string{"ClientID": "abc123", "StatusCode": "200"}, dimsOf(datums[0]))

	assert.Equal(t, types.MetricQueueDelay, aws.ToString(datums[1].MetricName))
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, datums[1].Unit)
	assert.Equal(t, 1500.0, aws.ToFloat64(datums[1].Value))
	assert.Empty(t, datums[1].Dimensions)
}

func TestCloudWatchRecorderSplitsLargeBatches(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: time.Hour, BufferSize: 5000}, &mockLogger{})

	for range 2500 {
		rec.Count(types.MetricDeliveryFailed, 1)
	}
	require.NoError(t, rec.Close(context.Background()))

	assert.Len(t, cw.datums(), 2500)
	for _, c := range cw.calls {
		assert.LessOrEqual(t, len(c.MetricData), maxBatchSize)
	}
	assert.Equal(t, 3, cw.callCount())
}

func TestCloudWatchRecorderFlushesOnInterval(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: 10 * time.Millisecond}, &mockLogger{})
	defer rec.Close(context.Background())

	rec.Count(types.MetricUnknownSubscriber, 1)

	assert.Eventually(t, func() bool { return cw.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCloudWatchRecorderFlushPublishesBufferedDatums(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: time.Hour}, &mockLogger{})
	defer rec.Close(context.Background())

	rec.Count(types.MetricDeliverySuccess, 1)
	rec.Count(types.MetricDeliveryFailed, 1)
	require.NoError(t, rec.Flush(context.Background()))

	assert.Equal(t, 1, cw.callCount(), "flush publishes before returning")
	assert.Len(t, cw.datums(), 2)

	require.NoError(t, rec.Flush(context.Background()))
	assert.Equal(t, 1, cw.callCount(), "an empty buffer publishes nothing")
}

func TestCloudWatchRecorderFlushAfterClose(t *testing.T) {
	rec := NewCloudWatchRecorder(&mockCloudWatchClient{}, CloudWatchOptions{}, &mockLogger{})
	require.NoError(t, rec.Close(context.Background()))

	assert.NoError(t, rec.Flush(context.Background()))
}

func TestCloudWatchRecorderFlushHonorsContext(t *testing.T) {
	cw := &mockCloudWatchClient{block: make(chan struct{})}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: time.Hour}, &mockLogger{})
	defer func() {
		close(cw.block)
		rec.Close(context.Background())
	}()

	rec.Count(types.MetricDeliverySuccess, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, rec.Flush(ctx), context.DeadlineExceeded)
}

func TestCloudWatchRecorderDropsWhenFull(t *testing.T) {
	cw := &mockCloudWatchClient{block: make(chan struct{})}
	logger := &mockLogger{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{FlushInterval: time.Millisecond, BufferSize: 1}, logger)

	// The publisher blocks inside PutMetricData, so the single-slot buffer fills.
	rec.Count("a", 1)
	assert.Eventually(t, func() bool {
		rec.Count("b", 1)
		return rec.Dropped() > 0
	}, time.Second, time.Millisecond)

	logger.mu.Lock()
	assert.Len(t, logger.warns, 1, "drop warnings are debounced")
	logger.mu.Unlock()

	close(cw.block)
	require.NoError(t, rec.Close(context.Background()))
}

func TestCloudWatchRecorderLogsPublishErrors(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &mockLogger{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{}, logger)

	rec.Count(types.MetricDeliverySuccess, 1)
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, []string{"failed to publish metrics"}, logger.errors)
}

func TestCloudWatchRecorderDropsAfterClose(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{}, &mockLogger{})
	require.NoError(t, rec.Close(context.Background()))
	require.NoError(t, rec.Close(context.Background()))

	rec.Count(types.MetricDeliverySuccess, 1)
	assert.Equal(t, int64(1), rec.Dropped())
	assert.Zero(t, cw.callCount())
}

func TestCloudWatchRecorderCloseHonorsContext(t *testing.T) {
	cw := &mockCloudWatchClient{block: make(chan struct{})}
	rec := NewCloudWatchRecorder(cw, CloudWatchOptions{}, &mockLogger{})
	rec.Count("a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rec.Close(ctx), context.DeadlineExceeded)

	close(cw.block)
}

func TestRecordRequest(t *testing.T) {
	rec := &MemoryRecorder{}
	rec.RecordRequest("POST", "/v1/proxy/{clientId}", "200", 42*time.Millisecond)

	counts := rec.Counts(types.MetricAPIRequestCount)
	require.Len(t, counts, 1)
	assert.Equal(t, map[string]string{"Method": "POST", "Endpoint": "/v1/proxy/{clientId}", "StatusCode": "200"}, counts[0].Dims)

	timings := rec.Timings(types.MetricAPILatency)
	require.Len(t, timings, 1)
	assert.Equal(t, 42.0, timings[0].Value)
	assert.NotContains(t, timings[0].Dims, "StatusCode")
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.Count("x", 1)
	r.Timing("x", time.Second)
}
