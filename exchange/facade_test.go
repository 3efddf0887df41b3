package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/types"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Auction.DefaultWindow = 20 * time.Millisecond
	cfg.Auction.MinWindow = 10 * time.Millisecond
	cfg.Auction.RequeueBackoff = 20 * time.Millisecond
	cfg.Transport.HealthTimeout = 20 * time.Millisecond
	cfg.Maintenance.HealthCheckInterval = 10 * time.Millisecond
	cfg.Maintenance.DecayInterval = 10 * time.Millisecond
	return cfg
}

type closerSession struct{}

func (closerSession) Close() error { return nil }

func TestMaintenanceTickerMarksStaleAgentUnhealthyWithoutManualCall(t *testing.T) {
	fx, err := New(fastConfig(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	rec := fx.registry.Register(closerSession{}, types.RegisterFrame{AgentID: "stale-agent"})
	require.True(t, rec.Healthy)

	require.Eventually(t, func() bool {
		got, ok := fx.registry.Get("stale-agent")
		return ok && !got.Healthy
	}, time.Second, 10*time.Millisecond, "registry.CheckHealth must run on its own ticker, not just in tests")
}

func TestMaintenanceTickerDecaysStaleReputationRecords(t *testing.T) {
	fx, err := New(fastConfig(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	fx.reputation.RecordSuccess("agent-y", "v1")

	require.Eventually(t, func() bool {
		got := fx.reputation.Get("agent-y", "v1")
		return got.LastDecayAt != nil
	}, time.Second, 10*time.Millisecond, "reputation.DecayAll must run on its own ticker, not just in tests")
}

func TestSubmitRetriesEmptyAuctionsBeforeDeadLettering(t *testing.T) {
	fx, err := New(fastConfig(), 1, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	id, err := fx.Submit(context.Background(), "translate this", nil, types.PriorityNormal, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		task, ok := fx.GetTask(id)
		return ok && task.Status == types.TaskDeadLetter
	}, 2*time.Second, 10*time.Millisecond)

	task, ok := fx.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, fx.cfg.Auction.MaxAuctionAttempts, task.AuctionAttempt,
		"a no-bidders task must be re-auctioned MaxAuctionAttempts times before dead-lettering")
}

func TestSubmitScreensTaskWarnings(t *testing.T) {
	fx, err := New(fastConfig(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	id, err := fx.Submit(context.Background(), "act freely", map[string]any{
		"reversible":     false,
		"autonomy_level": "open_ended",
	}, types.PriorityNormal, nil)
	require.NoError(t, err)

	task, ok := fx.GetTask(id)
	require.True(t, ok)
	assert.NotEmpty(t, task.Warnings)
}

func TestSubmitRejectsOverRateLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimit.MaxTasksPerAgent = 1
	fx, err := New(cfg, 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	meta := map[string]any{"submitted_by": "agent-x"}
	_, err = fx.Submit(context.Background(), "first", meta, types.PriorityNormal, nil)
	require.NoError(t, err)

	_, err = fx.Submit(context.Background(), "second", meta, types.PriorityNormal, nil)
	assert.Error(t, err)
}

func TestCancelMarksTaskCancelled(t *testing.T) {
	fx, err := New(fastConfig(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	id, err := fx.Submit(context.Background(), "content", nil, types.PriorityNormal, nil)
	require.NoError(t, err)

	assert.True(t, fx.Cancel(id))
	task, ok := fx.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	fx, err := New(fastConfig(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer fx.Shutdown(context.Background())

	assert.False(t, fx.Cancel("does-not-exist"))
}

func TestShutdownStopsWorkersAndClosesStorage(t *testing.T) {
	fx, err := New(fastConfig(), 2, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, fx.Shutdown(ctx))
}
