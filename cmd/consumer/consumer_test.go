package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcartres/proyectofinal-sub001/internal/events"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failH  int // number of times to fail HSet before succeeding
	hCalls int
	key    string
	values map[string]interface{}
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.key, f.values = key, values
	return nil
}

func sampleUpdate() ratingUpdate {
	return ratingUpdate{
		RatingUpdate: events.RatingUpdate{UserID: 100, Average: 4, Count: 3},
		At:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, sampleUpdate(), 3, 10*time.Millisecond))
	assert.Equal(t, 2, f.hCalls)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, "driver:meta:100", f.key)
	assert.Equal(t, map[string]interface{}{
		"rating":     "4.00",
		"count":      3,
		"updated_at": "2026-03-10T12:00:00Z",
	}, f.values)
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failH: 5}
	err := updateRedisWithRetry(context.Background(), f, sampleUpdate(), 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.hCalls)
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeUpdater{failH: 5}
	err := updateRedisWithRetry(ctx, f, sampleUpdate(), 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.hCalls)
}

func message(t *testing.T, ev events.Event, header bool) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	m := kafka.Message{Value: b, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if header {
		m.Headers = []kafka.Header{{Key: "type", Value: []byte(ev.Type)}}
	}
	return m
}

func TestDecodeRatingUpdate(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ev := events.Event{
		Type:    events.RatingUpdated,
		Key:     "100",
		Payload: events.RatingUpdate{UserID: 100, Average: 4.5, Count: 2},
		At:      at,
	}

	for _, header := range []bool{true, false} {
		u, ok, err := decodeRatingUpdate(message(t, ev, header))
		require.True(t, ok)
		require.NoError(t, err)
		assert.Equal(t, int64(100), u.UserID)
		assert.Equal(t, 4.5, u.Average)
		assert.Equal(t, 2, u.Count)
		assert.True(t, at.Equal(u.At))
	}

	other := events.New(events.PaymentApplied, 7, map[string]int{"monto": 45000})
	_, ok, err := decodeRatingUpdate(message(t, other, true))
	assert.False(t, ok)
	assert.NoError(t, err)

	broken := events.Event{Type: events.RatingUpdated, Payload: map[string]string{"nope": "x"}}
	_, ok, err = decodeRatingUpdate(message(t, broken, true))
	assert.True(t, ok)
	assert.ErrorIs(t, err, errMalformed)

	garbage := kafka.Message{Value: []byte("{not json"), Headers: []kafka.Header{{Key: "type", Value: []byte(events.RatingUpdated)}}}
	_, ok, err = decodeRatingUpdate(garbage)
	assert.True(t, ok)
	assert.ErrorIs(t, err, errMalformed)
}
