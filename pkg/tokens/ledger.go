// Package tokens records model usage per session, estimates cost from a
// price table and answers budget queries.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codeloom-ai/codeloom/pkg/logger"
)

// ErrBudgetExceeded is returned when a session's spend reaches its budget.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Usage is one append-only ledger row.
type Usage struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	MessageID    *int64    `json:"message_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Model        string    `json:"model"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stats aggregates a session's ledger.
type Stats struct {
	TotalInput   int     `json:"total_input"`
	TotalOutput  int     `json:"total_output"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	RequestCount int     `json:"request_count"`
}

// Price holds per-million-token rates in currency units.
type Price struct {
	Input  float64
	Output float64
}

type priceEntry struct {
	name  string
	price Price
}

// priceTable lists model rates per 1M tokens. Order matters: the
// substring fallback takes the first matching entry.
var priceTable = []priceEntry{
	{"gpt-4", Price{30.0, 60.0}},
	{"gpt-4-turbo", Price{10.0, 30.0}},
	{"gpt-4o", Price{2.5, 10.0}},
	{"gpt-4o-mini", Price{0.15, 0.60}},
	{"gpt-3.5-turbo", Price{0.5, 1.5}},
	{"gpt-4o-mini-2024-07-18", Price{0.15, 0.60}},
	{"gpt-4-turbo-2024-04-09", Price{10.0, 30.0}},
	{"claude-3-opus", Price{15.0, 75.0}},
	{"claude-3-sonnet", Price{3.0, 15.0}},
	{"claude-3-haiku", Price{0.25, 1.25}},
}

var defaultPrice = Price{10.0, 30.0}

// PriceFor resolves a model name to its rates. Fallback chain: exact
// match, first substring match in either direction, default.
func PriceFor(model string) Price {
	for _, e := range priceTable {
		if e.name == model {
			return e.price
		}
	}
	for _, e := range priceTable {
		if strings.Contains(model, e.name) || strings.Contains(e.name, model) {
			return e.price
		}
	}
	return defaultPrice
}

// EstimateCost computes the currency cost of one request.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p := PriceFor(model)
	return float64(inputTokens)*p.Input/1e6 + float64(outputTokens)*p.Output/1e6
}

// Subscriber receives each recorded Usage. Panics and errors are
// swallowed so one bad subscriber cannot poison the ledger.
type Subscriber func(Usage)

// Ledger shares the session store's sqlite handle. Session stats are
// memoized and invalidated on every insert before the insert returns.
type Ledger struct {
	db          *sql.DB
	budget      *int
	subscribers []Subscriber

	mu         sync.Mutex
	statsCache map[string]*Stats
}

// NewLedger wraps an existing database handle; the token_usage table is
// created by the session store's schema bootstrap.
func NewLedger(db *sql.DB, budget *int) *Ledger {
	return &Ledger{
		db:         db,
		budget:     budget,
		statsCache: make(map[string]*Stats),
	}
}

// Subscribe registers an in-process observer of new usage rows.
func (l *Ledger) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, s)
}

// Record inserts one usage row, invalidates the stats cache for the
// session, then notifies subscribers.
func (l *Ledger) Record(ctx context.Context, sessionID string, inputTokens, outputTokens int, model string, messageID *int64) (*Usage, error) {
	usage := &Usage{
		SessionID:    sessionID,
		MessageID:    messageID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
		Cost:         EstimateCost(model, inputTokens, outputTokens),
		CreatedAt:    time.Now().UTC(),
	}

	var msgID interface{}
	if messageID != nil {
		msgID = *messageID
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, message_id, input_tokens, output_tokens, model, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msgID, inputTokens, outputTokens, model, usage.Cost, usage.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	usage.ID, _ = res.LastInsertId()

	// The cache must be stale-free before the insert is visible to callers.
	l.mu.Lock()
	delete(l.statsCache, sessionID)
	subs := make([]Subscriber, len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	for _, sub := range subs {
		l.notify(sub, *usage)
	}

	return usage, nil
}

func (l *Ledger) notify(sub Subscriber, usage Usage) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Warn("token usage subscriber panicked", "error", r)
		}
	}()
	sub(usage)
}

// GetSessionStats sums a session's ledger; the result is cached until
// the next Record on that session.
func (l *Ledger) GetSessionStats(ctx context.Context, sessionID string) (*Stats, error) {
	l.mu.Lock()
	if cached, ok := l.statsCache[sessionID]; ok {
		out := *cached
		l.mu.Unlock()
		return &out, nil
	}
	l.mu.Unlock()

	var stats Stats
	var in, out sql.NullInt64
	var cost sql.NullFloat64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(input_tokens), SUM(output_tokens), SUM(cost), COUNT(*)
		 FROM token_usage WHERE session_id = ?`, sessionID).
		Scan(&in, &out, &cost, &stats.RequestCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	stats.TotalInput = int(in.Int64)
	stats.TotalOutput = int(out.Int64)
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	stats.TotalCost = cost.Float64

	l.mu.Lock()
	snapshot := stats
	l.statsCache[sessionID] = &snapshot
	l.mu.Unlock()

	return &stats, nil
}

// GetHistory returns the most recent usage rows, newest first.
func (l *Ledger) GetHistory(ctx context.Context, sessionID string, limit int) ([]*Usage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, input_tokens, output_tokens, model, cost, created_at
		 FROM token_usage WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var history []*Usage
	for rows.Next() {
		var u Usage
		var msgID sql.NullInt64
		if err := rows.Scan(&u.ID, &u.SessionID, &msgID, &u.InputTokens, &u.OutputTokens,
			&u.Model, &u.Cost, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		if msgID.Valid {
			v := msgID.Int64
			u.MessageID = &v
		}
		history = append(history, &u)
	}
	return history, rows.Err()
}

// SetBudget sets or clears (nil) the per-session budget.
func (l *Ledger) SetBudget(budget *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budget = budget
}

// Budget returns the configured budget, nil when unset.
func (l *Ledger) Budget() *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// GetBudgetRemaining returns max(0, budget - total). Without a budget it
// returns -1.
func (l *Ledger) GetBudgetRemaining(ctx context.Context, sessionID string) (int, error) {
	budget := l.Budget()
	if budget == nil {
		return -1, nil
	}
	stats, err := l.GetSessionStats(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	remaining := *budget - stats.TotalTokens
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetBudgetPercentage returns min(100, total/budget*100); 0 without a budget.
func (l *Ledger) GetBudgetPercentage(ctx context.Context, sessionID string) (float64, error) {
	budget := l.Budget()
	if budget == nil || *budget == 0 {
		return 0, nil
	}
	stats, err := l.GetSessionStats(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	pct := float64(stats.TotalTokens) / float64(*budget) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// IsOverBudget reports whether the session has exhausted its budget.
func (l *Ledger) IsOverBudget(ctx context.Context, sessionID string) (bool, error) {
	remaining, err := l.GetBudgetRemaining(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}
