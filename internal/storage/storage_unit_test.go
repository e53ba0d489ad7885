package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/vclock"
)

func TestJSONBRoundTripsClock(t *testing.T) {
	clock := vclock.Clock{"a": 3, "hub": 7}
	b, err := toJSONB(clock)
	require.NoError(t, err)

	got := vclock.New()
	require.NoError(t, fromJSONB(b, &got))
	assert.Equal(t, clock, got)
}

func TestJSONBNilBecomesNull(t *testing.T) {
	b, err := toJSONB(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	// NULL columns leave the destination untouched.
	got := map[string]string{"keep": "me"}
	require.NoError(t, fromJSONB(nil, &got))
	assert.Equal(t, "me", got["keep"])
}

func TestJSONBRoundTripsStageResults(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	stages := []model.StageResult{
		{Stage: model.StageRouter, Status: model.StageCompleted, StartedAt: &now, CompletedAt: &now},
		{Stage: model.StageIntake, Status: model.StageFailed, Reason: "bad shape"},
	}
	b, err := toJSONB(stages)
	require.NoError(t, err)

	var got []model.StageResult
	require.NoError(t, fromJSONB(b, &got))
	require.Len(t, got, 2)
	assert.Equal(t, model.StageCompleted, got[0].Status)
	assert.Equal(t, "bad shape", got[1].Reason)
}

func TestChittyIDPtr(t *testing.T) {
	assert.Nil(t, chittyIDPtr(nil))
	id := model.ChittyID("CHITTY-EVNT-1-00")
	p := chittyIDPtr(&id)
	require.NotNil(t, p)
	assert.Equal(t, "CHITTY-EVNT-1-00", *p)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("plain")))
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesSerializationFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
