package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

func TestSimulatedProcessor_Echo(t *testing.T) {
	t.Parallel()
	p := SimulatedProcessor{}

	out, err := p.Process(context.Background(), json.RawMessage(`{"work":"resize","size":42}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"work":"resize","size":42}`, string(out))
}

func TestSimulatedProcessor_Failure(t *testing.T) {
	t.Parallel()
	p := SimulatedProcessor{}

	_, err := p.Process(context.Background(), json.RawMessage(`{"error":true,"error_message":"disk full"}`))
	require.ErrorIs(t, err, domain.ErrProcessorFailure)
	require.Contains(t, err.Error(), "disk full")

	_, err = p.Process(context.Background(), json.RawMessage(`{"error":true}`))
	require.ErrorIs(t, err, domain.ErrProcessorFailure)
	require.Contains(t, err.Error(), "simulated failure")
}

func TestSimulatedProcessor_SleepHonorsCancel(t *testing.T) {
	t.Parallel()
	p := SimulatedProcessor{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Process(ctx, json.RawMessage(`{"sleep_ms":5000}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestSimulatedProcessor_NonObjectPayload(t *testing.T) {
	t.Parallel()
	p := SimulatedProcessor{}

	out, err := p.Process(context.Background(), json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	require.JSONEq(t, `[1,2,3]`, string(out))
}
