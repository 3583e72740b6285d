package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/session"
)

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		MaxTokens:           8000,
		ReservedForResponse: 1000,
		RecentMessages:      20,
		SummarizeAfter:      30,
		MaxRAGTokens:        2000,
	}
}

func newTestConversation(t *testing.T) *session.ConversationLog {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession(context.Background(), "ctx", "")
	require.NoError(t, err)
	return session.NewConversationLog(store, sess.ID)
}

func TestHeuristicEstimator(t *testing.T) {
	est := HeuristicEstimator{}
	assert.Equal(t, 1, est.Estimate(""))
	assert.Equal(t, 2, est.Estimate("next"))
	assert.Equal(t, 26, est.Estimate(strings.Repeat("a", 100)))

	// Monotonic in length.
	prev := 0
	for n := 0; n < 200; n += 7 {
		cur := est.Estimate(strings.Repeat("x", n))
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestBuildOrdering(t *testing.T) {
	log := newTestConversation(t)
	ctx := context.Background()

	_, err := log.Add(ctx, "user", "first question", 4, nil)
	require.NoError(t, err)
	_, err = log.Add(ctx, "assistant", "first answer", 4, nil)
	require.NoError(t, err)

	builder := NewBuilder(testContextConfig(), nil)
	window, err := builder.Build(ctx, log, "second question", "you are helpful", "[function] a.go - f()\nbody")
	require.NoError(t, err)

	require.Len(t, window.Messages, 5)
	assert.Equal(t, "system", window.Messages[0].Role)
	assert.Equal(t, "you are helpful", window.Messages[0].Content)
	assert.Equal(t, "system", window.Messages[1].Role)
	assert.Contains(t, window.Messages[1].Content, "Relevant context from codebase")
	assert.Equal(t, "first question", window.Messages[2].Content)
	assert.Equal(t, "first answer", window.Messages[3].Content)
	assert.Equal(t, "user", window.Messages[4].Role)
	assert.Equal(t, "second question", window.Messages[4].Content)
	assert.Equal(t, 1, window.RAGChunksUsed)
	assert.False(t, window.Truncated)
}

func TestBuildTruncates(t *testing.T) {
	log := newTestConversation(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := log.Add(ctx, "user", fmt.Sprintf("%-80d", i), 20, nil)
		require.NoError(t, err)
	}

	cfg := testContextConfig()
	cfg.MaxTokens = 200
	cfg.ReservedForResponse = 50

	builder := NewBuilder(cfg, nil)
	window, err := builder.Build(ctx, log, "next", "", "")
	require.NoError(t, err)

	assert.True(t, window.Truncated)
	// budget 150, user reserves 2: 7 history messages of 20 fit, 3 dropped.
	assert.LessOrEqual(t, window.TotalTokens, 150)
	assert.Equal(t, "user", window.Messages[len(window.Messages)-1].Role)
	assert.Equal(t, "next", window.Messages[len(window.Messages)-1].Content)
}

func TestBuildUpperBound(t *testing.T) {
	log := newTestConversation(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := log.Add(ctx, "user", strings.Repeat("word ", 50), 0, nil)
		require.NoError(t, err)
	}

	cfg := testContextConfig()
	cfg.MaxTokens = 500
	cfg.ReservedForResponse = 100

	builder := NewBuilder(cfg, nil)
	userMsg := "tell me more"
	window, err := builder.Build(ctx, log, userMsg, "sys", "")
	require.NoError(t, err)

	est := HeuristicEstimator{}
	assert.LessOrEqual(t, window.TotalTokens, cfg.MaxTokens-cfg.ReservedForResponse+est.Estimate(userMsg))
}

func TestBuildPreservesRelativeOrder(t *testing.T) {
	log := newTestConversation(t)
	ctx := context.Background()

	contents := []string{"alpha", "beta", "gamma", "delta"}
	for _, c := range contents {
		_, err := log.Add(ctx, "user", c, 2, nil)
		require.NoError(t, err)
	}

	builder := NewBuilder(testContextConfig(), nil)
	window, err := builder.Build(ctx, log, "end", "", "")
	require.NoError(t, err)

	var got []string
	for _, m := range window.Messages {
		if m.Role != "system" && m.Content != "end" {
			got = append(got, m.Content)
		}
	}
	assert.Equal(t, contents, got)
}

func TestBuildRAGBudgetGate(t *testing.T) {
	log := newTestConversation(t)

	cfg := testContextConfig()
	cfg.MaxTokens = 120
	cfg.ReservedForResponse = 100

	builder := NewBuilder(cfg, nil)
	// 20 tokens of budget; rag alone estimates far larger, capped at
	// MaxRAGTokens but still over budget, so it is dropped.
	window, err := builder.Build(context.Background(), log, "q", "", strings.Repeat("ctx ", 200))
	require.NoError(t, err)

	assert.Zero(t, window.RAGChunksUsed)
	for _, m := range window.Messages {
		assert.NotContains(t, m.Content, "Relevant context")
	}
}

func TestBuildRAGChunkCount(t *testing.T) {
	log := newTestConversation(t)

	builder := NewBuilder(testContextConfig(), nil)
	rag := "chunk one\n\n---\n\nchunk two\n\n---\n\nchunk three"
	window, err := builder.Build(context.Background(), log, "q", "", rag)
	require.NoError(t, err)

	assert.Equal(t, 3, window.RAGChunksUsed)
}

func TestBuildSummaryIncluded(t *testing.T) {
	log := newTestConversation(t)
	ctx := context.Background()

	cfg := testContextConfig()
	cfg.SummarizeAfter = 3

	for i := 0; i < 5; i++ {
		_, err := log.Add(ctx, "user", fmt.Sprintf("m%d", i), 2, nil)
		require.NoError(t, err)
	}

	builder := NewBuilder(cfg, nil)

	// Without a cached summary nothing is injected.
	window, err := builder.Build(ctx, log, "q", "", "")
	require.NoError(t, err)
	assert.False(t, window.HasSummary)

	builder.SetSummary(log.SessionID(), "they discussed five things")
	window, err = builder.Build(ctx, log, "q", "", "")
	require.NoError(t, err)
	assert.True(t, window.HasSummary)
	assert.Contains(t, window.Messages[0].Content, "Summary of earlier conversation")

	builder.InvalidateSummary(log.SessionID())
	window, err = builder.Build(ctx, log, "q", "", "")
	require.NoError(t, err)
	assert.False(t, window.HasSummary)
}

func TestBuildSimple(t *testing.T) {
	msgs := []*session.Message{
		{Role: "user", Content: "old", TokenCount: 50},
		{Role: "system", Content: "sys", TokenCount: 40},
		{Role: "user", Content: "new", TokenCount: 20},
	}

	builder := NewBuilder(testContextConfig(), nil)
	window := builder.BuildSimple(msgs, 35)

	// "new" fits, the system row survives past the cutoff, "old" is cut.
	require.Len(t, window.Messages, 2)
	assert.Equal(t, "sys", window.Messages[0].Content)
	assert.Equal(t, "new", window.Messages[1].Content)
	assert.True(t, window.Truncated)
}

func TestSummarizationPrompt(t *testing.T) {
	prompt := SummarizationPrompt([]ContextMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, 500)

	assert.Contains(t, prompt, "user: hi")
	assert.Contains(t, prompt, "assistant: hello")
	assert.Contains(t, prompt, "max 500 tokens")
}
