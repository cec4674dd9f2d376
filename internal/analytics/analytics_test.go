package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"libracirc/internal/eventstore"
	"libracirc/internal/licensing"
)

type fakeStore struct {
	version   int
	conflicts int
	appended  []eventstore.Event
	streams   []uuid.UUID
	err       error
}

func (f *fakeStore) CurrentVersion(context.Context, uuid.UUID) (int, error) {
	return f.version, nil
}

func (f *fakeStore) Append(_ context.Context, streamID uuid.UUID, _ int64, expected int, events []eventstore.Event) error {
	if f.err != nil {
		return f.err
	}
	if f.conflicts > 0 {
		f.conflicts--
		return eventstore.ErrConcurrencyConflict
	}
	if expected != f.version {
		return eventstore.ErrConcurrencyConflict
	}
	f.version += len(events)
	f.appended = append(f.appended, events...)
	f.streams = append(f.streams, streamID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord(applied bool) Record {
	p := &licensing.LicensePool{ID: 7, LicensesOwned: 2, LicensesAvailable: 2}
	c := p.ApplyDelta(licensing.NewDelta(licensing.EventCheckout, 1, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	if !applied {
		c = p.ApplyDelta(c.Delta)
	}
	return FromChange("urn:isbn:1", c, time.Date(2025, 3, 1, 0, 0, 1, 0, time.UTC))
}

func TestFromChange(t *testing.T) {
	r := sampleRecord(true)
	assert.Equal(t, "distributor_check_out", r.Type)
	assert.Equal(t, int64(7), r.PoolID)
	assert.True(t, r.Applied)
	assert.Equal(t, 1, r.After.Available)

	ignored := sampleRecord(false)
	assert.False(t, ignored.Applied)
	assert.Equal(t, licensing.SkipStale, ignored.Skipped)
}

func TestEventLogAppendsToPoolStream(t *testing.T) {
	store := &fakeStore{version: 3}
	log := NewEventLog(store, discardLogger())

	require.NoError(t, log.Collect(context.Background(), sampleRecord(false)))

	require.Len(t, store.appended, 1)
	assert.Equal(t, eventstore.PoolStream(7), store.streams[0])
	assert.Equal(t, "false", store.appended[0].Metadata["applied"])
	assert.Equal(t, licensing.SkipStale, store.appended[0].Metadata["skipped"])

	var decoded Record
	require.NoError(t, json.Unmarshal(store.appended[0].EventData, &decoded))
	assert.Equal(t, "urn:isbn:1", decoded.Identifier)
}

func TestEventLogRetriesConflicts(t *testing.T) {
	store := &fakeStore{conflicts: 2}
	log := NewEventLog(store, discardLogger())
	log.baseDelay = time.Millisecond

	require.NoError(t, log.Collect(context.Background(), sampleRecord(true)))
	assert.Len(t, store.appended, 1)

	store.conflicts = 10
	err := log.Collect(context.Background(), sampleRecord(true))
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
}

func TestEventLogFailsFast(t *testing.T) {
	boom := errors.New("connection refused")
	log := NewEventLog(&fakeStore{err: boom}, discardLogger())

	assert.ErrorIs(t, log.Collect(context.Background(), sampleRecord(true)), boom)
}

type failing struct{ err error }

func (f failing) Collect(context.Context, Record) error { return f.err }

func TestMultiCallsEveryCollector(t *testing.T) {
	boom := errors.New("sink down")
	first, second := &Recorder{}, &Recorder{}
	m := Multi{first, failing{boom}, second, Discard{}}

	err := m.Collect(context.Background(), sampleRecord(true))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Records(), 1)
	assert.Len(t, second.Records(), 1)
}

func TestMeteredCountsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := &Recorder{}
	m, err := NewMetered(provider.Meter("test"), rec)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Collect(ctx, sampleRecord(true)))
	require.NoError(t, m.Collect(ctx, sampleRecord(false)))
	require.NoError(t, m.Collect(ctx, sampleRecord(false)))
	assert.Len(t, rec.Records(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value("outcome")
		byOutcome[outcome.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"applied": 1, "ignored": 2}, byOutcome)
}
