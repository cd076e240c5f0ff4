package auditlog

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

func sampleEntries(base time.Time) []domain.AuditEntry {
	breach := domain.NewAuditEntry(base, domain.AuditActionThresholdExceeded, domain.ModeNormal, domain.ModeTriggered, "daily pnl -520.00 reached loss limit -500.00")
	breach.PnL = decimal.NewFromInt(-520)
	breach.Positions = []domain.PositionID{"p1", "p2"}

	block := domain.NewAuditEntry(base.Add(time.Second), domain.AuditActionActiveBlock, domain.ModeTriggered, domain.ModeActiveBlock, "closed 1 of 2 positions")
	block.PnL = decimal.NewFromInt(-520)
	block.Positions = []domain.PositionID{"p1", "p2"}
	block.Outcomes = []domain.CloseOutcome{
		{PositionID: "p1", Attempt: 1, Success: true, At: base},
		{PositionID: "p2", Attempt: 1, Error: "requote", At: base},
	}

	reset := domain.NewAuditEntry(base.Add(24*time.Hour), domain.AuditActionDailyReset, domain.ModeActiveBlock, domain.ModeNormal, "daily reset at 04:00")

	return []domain.AuditEntry{breach, block, reset}
}

func TestWALStore_WriteAndReadAfter(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	entries := sampleEntries(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	for _, e := range entries {
		require.NoError(t, store.Write(e))
	}
	assert.Equal(t, uint64(3), store.CurrentIndex())

	records, err := store.EntriesAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.Index)
		assert.Equal(t, entries[i].ID, r.Entry.ID)
		assert.Equal(t, entries[i].Action, r.Entry.Action)
	}
	assert.Equal(t, domain.ModeActiveBlock, records[1].Entry.To)
	assert.Len(t, records[1].Entry.Outcomes, 2)

	records, err = store.EntriesAfter(2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditActionDailyReset, records[0].Entry.Action)

	records, err = store.EntriesAfter(3)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.CurrentIndex())
}

func TestWALStore_RejectsEmptyAction(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Write(domain.AuditEntry{}))

	var nilStore *WALStore
	assert.Error(t, nilStore.Write(sampleEntries(time.Now())[0]))
	assert.Equal(t, uint64(0), nilStore.CurrentIndex())
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVJournal_DailyFiles(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewCSVJournal(dir, time.UTC)
	require.NoError(t, err)

	entries := sampleEntries(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	for _, e := range entries {
		require.NoError(t, journal.Write(e))
	}
	require.NoError(t, journal.Close())

	first := filepath.Join(dir, "guardian_2026-03-10.csv")
	assert.Equal(t, first, journal.PathFor(entries[0].Timestamp))

	rows := readCSV(t, first)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "THRESHOLD_EXCEEDED", rows[1][1])
	assert.Contains(t, rows[1][2], "[normal -> triggered]")
	assert.Contains(t, rows[1][2], "positions=p1;p2")
	assert.Equal(t, "-520.00", rows[1][3])
	assert.Equal(t, "2", rows[1][4])
	assert.Equal(t, "OK", rows[1][5])
	assert.Equal(t, "PARTIAL", rows[2][5])
	assert.Contains(t, rows[2][2], "failed_attempts=1")

	rows = readCSV(t, filepath.Join(dir, "guardian_2026-03-11.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, "DAILY_RESET", rows[1][1])
	assert.Equal(t, "OK", rows[1][5])
}

func TestCSVJournal_AppendsWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	entry := sampleEntries(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))[0]

	for i := 0; i < 2; i++ {
		journal, err := NewCSVJournal(dir, time.UTC)
		require.NoError(t, err)
		require.NoError(t, journal.Write(entry))
		require.NoError(t, journal.Close())
	}

	rows := readCSV(t, filepath.Join(dir, "guardian_2026-03-10.csv"))
	assert.Len(t, rows, 3)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	entries := sampleEntries(base)
	for _, e := range entries {
		require.NoError(t, store.Write(e))
	}
	// duplicates are ignored
	require.NoError(t, store.Write(entries[0]))

	ctx := context.Background()
	all, err := store.Since(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, entries[0].ID, all[0].ID)
	assert.True(t, all[1].PnL.Equal(decimal.NewFromInt(-520)))

	later, err := store.Since(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, later, 2)

	counts, err := store.CountByAction(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, map[domain.AuditAction]int{
		domain.AuditActionThresholdExceeded: 1,
		domain.AuditActionActiveBlock:       1,
		domain.AuditActionDailyReset:        1,
	}, counts)
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}
