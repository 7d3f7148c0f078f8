package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler(t *testing.T) {
	m := createTestManager(t, nil)

	t.Run("no jobs", func(t *testing.T) {
		s, err := NewScheduler(m, SchedulerConfig{Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Zero(t, s.Jobs())
	})

	t.Run("reindex and retention", func(t *testing.T) {
		s, err := NewScheduler(m, SchedulerConfig{
			ReindexSchedule: DefaultReindexSchedule,
			RetentionDays:   30,
			Logger:          zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Jobs())
	})

	t.Run("descriptor", func(t *testing.T) {
		s, err := NewScheduler(m, SchedulerConfig{ReindexSchedule: "@hourly", Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Jobs())
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := NewScheduler(m, SchedulerConfig{ReindexSchedule: "every tuesday", Logger: zerolog.Nop()})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reindex schedule")
	})
}

func TestScheduler_RunPruneUsesRetention(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()

	old, err := m.Save(ctx, "expired", nil)
	require.NoError(t, err)
	_, err = m.store.db.Exec("UPDATE documents SET created_at = ? WHERE id = ?", time.Now().AddDate(0, 0, -10).UnixNano(), old)
	require.NoError(t, err)
	_, err = m.Save(ctx, "current", nil)
	require.NoError(t, err)

	s, err := NewScheduler(m, SchedulerConfig{RetentionDays: 7, Logger: zerolog.Nop()})
	require.NoError(t, err)
	s.runPrune()

	docs, err := m.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "current", docs[0].SourceText)
}

func TestScheduler_RunReindex(t *testing.T) {
	m := createTestManager(t, nil)
	_, err := m.Save(context.Background(), "one", nil)
	require.NoError(t, err)

	s, err := NewScheduler(m, SchedulerConfig{ReindexSchedule: "@daily", Logger: zerolog.Nop()})
	require.NoError(t, err)
	s.runReindex()

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, stats.LastReindex)
}

func TestScheduler_StartStop(t *testing.T) {
	m := createTestManager(t, nil)
	s, err := NewScheduler(m, SchedulerConfig{ReindexSchedule: "@daily", Logger: zerolog.Nop()})
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
