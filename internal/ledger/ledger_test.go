// ABOUTME: Tests for the SQLite usage ledger
// ABOUTME: Covers recording, per-provider aggregation and group/time filters

package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)
}

func TestLedger_EmptyStats(t *testing.T) {
	l := setupTestLedger(t)

	stats, err := l.Stats(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, stats.Providers)
	assert.Zero(t, stats.Requests)
	assert.Zero(t, stats.TotalTokens)
}

func TestLedger_RecordAndStats(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Exchange{GroupID: 1, Provider: "deepseek", Model: "deepseek-chat", OK: true, InputTokens: 100, OutputTokens: 20, Latency: 200 * time.Millisecond}))
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 1, Provider: "deepseek", OK: false, Latency: 400 * time.Millisecond}))
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 2, Provider: "grok", OK: true, InputTokens: 50, OutputTokens: 10, Latency: 100 * time.Millisecond}))

	stats, err := l.Stats(ctx, Filter{})
	require.NoError(t, err)

	require.Len(t, stats.Providers, 2)
	ds := stats.Providers[0]
	assert.Equal(t, "deepseek", ds.Provider)
	assert.Equal(t, int64(2), ds.Requests)
	assert.Equal(t, int64(1), ds.Failures)
	assert.Equal(t, int64(100), ds.InputTokens)
	assert.Equal(t, int64(20), ds.OutputTokens)
	assert.InDelta(t, 300, ds.AvgLatencyMS, 0.001)

	assert.Equal(t, "grok", stats.Providers[1].Provider)
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(180), stats.TotalTokens)
}

func TestLedger_StatsFilters(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 1, Provider: "deepseek", OK: true, InputTokens: 10, CreatedAt: old}))
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 1, Provider: "deepseek", OK: true, InputTokens: 20}))
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 2, Provider: "deepseek", OK: true, InputTokens: 40}))

	group := int64(1)
	stats, err := l.Stats(ctx, Filter{GroupID: &group})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(30), stats.InputTokens)

	since := time.Now().Add(-time.Hour)
	stats, err = l.Stats(ctx, Filter{GroupID: &group, Since: &since})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(20), stats.InputTokens)

	stats, err = l.Stats(ctx, Filter{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Requests)
}

func TestLedger_RecordKeepsExplicitID(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	ex := Exchange{ID: "fixed-id", GroupID: 1, Provider: "grok", OK: true}
	require.NoError(t, l.Record(ctx, ex))
	assert.Error(t, l.Record(ctx, ex), "duplicate id should violate the primary key")
}

func TestLedger_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Exchange{GroupID: 1, Provider: "deepseek", OK: true}))
	require.NoError(t, l.Close())

	l, err = Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	stats, err := l.Stats(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Requests)
}
