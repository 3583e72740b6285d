package tokens

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/session"
)

func newTestLedger(t *testing.T, budget *int) (*Ledger, string) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession(context.Background(), "ledger", "")
	require.NoError(t, err)
	return NewLedger(store.DB(), budget), sess.ID
}

func TestPriceFallbackChain(t *testing.T) {
	tests := []struct {
		model string
		want  Price
	}{
		{"gpt-4o", Price{2.5, 10.0}},
		{"gpt-4o-2024-08-06", Price{30.0, 60.0}},       // substring: earliest entry ("gpt-4") wins
		{"gpt-4o-mini-2024-07-18", Price{0.15, 0.60}},  // exact match beats substring
		{"claude-3-sonnet-20240229", Price{3.0, 15.0}},
		{"4o-mini", Price{0.15, 0.60}},                 // substring: model in entry name
		{"some-mystery-model", Price{10.0, 30.0}},      // default
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, PriceFor(tt.model))
		})
	}
}

func TestPriceForIsDeterministic(t *testing.T) {
	// "gpt-4o-2024-08-06" substring-matches several entries; resolution
	// must follow table order on every call.
	want := Price{30.0, 60.0}
	for i := 0; i < 100; i++ {
		require.Equal(t, want, PriceFor("gpt-4o-2024-08-06"))
	}
}

func TestEstimateCost(t *testing.T) {
	// gpt-4: 30/1M in, 60/1M out.
	cost := EstimateCost("gpt-4", 1_000_000, 500_000)
	assert.InDelta(t, 30.0+30.0, cost, 1e-9)

	cost = EstimateCost("gpt-4o-mini", 1000, 1000)
	assert.InDelta(t, 0.00015+0.0006, cost, 1e-9)
}

func TestRecordAndStats(t *testing.T) {
	ledger, sid := newTestLedger(t, nil)
	ctx := context.Background()

	stats, err := ledger.GetSessionStats(ctx, sid)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTokens)

	_, err = ledger.Record(ctx, sid, 100, 50, "gpt-4o", nil)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, sid, 30, 20, "gpt-4o", nil)
	require.NoError(t, err)

	stats, err = ledger.GetSessionStats(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 130, stats.TotalInput)
	assert.Equal(t, 70, stats.TotalOutput)
	assert.Equal(t, 200, stats.TotalTokens)
	assert.Equal(t, 2, stats.RequestCount)
	assert.InDelta(t, EstimateCost("gpt-4o", 130, 70), stats.TotalCost, 1e-9)
}

func TestStatsCacheInvalidation(t *testing.T) {
	ledger, sid := newTestLedger(t, nil)
	ctx := context.Background()

	_, err := ledger.Record(ctx, sid, 10, 5, "m", nil)
	require.NoError(t, err)

	before, err := ledger.GetSessionStats(ctx, sid)
	require.NoError(t, err)

	// A new insert must be visible immediately after Record returns.
	_, err = ledger.Record(ctx, sid, 10, 5, "m", nil)
	require.NoError(t, err)

	after, err := ledger.GetSessionStats(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, before.TotalTokens+15, after.TotalTokens)
	assert.GreaterOrEqual(t, after.TotalTokens, before.TotalTokens)
}

func TestBudgetMath(t *testing.T) {
	budget := 100
	ledger, sid := newTestLedger(t, &budget)
	ctx := context.Background()

	remaining, err := ledger.GetBudgetRemaining(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 100, remaining)

	_, err = ledger.Record(ctx, sid, 40, 20, "m", nil)
	require.NoError(t, err)

	remaining, err = ledger.GetBudgetRemaining(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 40, remaining)

	pct, err := ledger.GetBudgetPercentage(ctx, sid)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, pct, 1e-9)

	over, err := ledger.IsOverBudget(ctx, sid)
	require.NoError(t, err)
	assert.False(t, over)

	_, err = ledger.Record(ctx, sid, 100, 100, "m", nil)
	require.NoError(t, err)

	remaining, err = ledger.GetBudgetRemaining(ctx, sid)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	pct, err = ledger.GetBudgetPercentage(ctx, sid)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, pct, 1e-9)

	over, err = ledger.IsOverBudget(ctx, sid)
	require.NoError(t, err)
	assert.True(t, over)
}

func TestNoBudgetConfigured(t *testing.T) {
	ledger, sid := newTestLedger(t, nil)
	ctx := context.Background()

	remaining, err := ledger.GetBudgetRemaining(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, -1, remaining)

	pct, err := ledger.GetBudgetPercentage(ctx, sid)
	require.NoError(t, err)
	assert.True(t, math.Abs(pct) < 1e-9)
}

func TestSubscriberIsolation(t *testing.T) {
	ledger, sid := newTestLedger(t, nil)
	ctx := context.Background()

	var seen []Usage
	ledger.Subscribe(func(u Usage) { panic("bad subscriber") })
	ledger.Subscribe(func(u Usage) { seen = append(seen, u) })

	_, err := ledger.Record(ctx, sid, 5, 5, "m", nil)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, 5, seen[0].InputTokens)

	// The insert itself survived the panicking subscriber.
	stats, err := ledger.GetSessionStats(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RequestCount)
}

func TestGetHistory(t *testing.T) {
	ledger, sid := newTestLedger(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.Record(ctx, sid, i+1, 0, "m", nil)
		require.NoError(t, err)
	}

	history, err := ledger.GetHistory(ctx, sid, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 3, history[0].InputTokens)
	assert.Equal(t, 2, history[1].InputTokens)
}
