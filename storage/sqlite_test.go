package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"optionflow/models"
)

func float64Ptr(v float64) *float64 { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreInsertAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		record := &models.OptionRecord{
			InstrumentName: "BTC-27MAR26-60000-C",
			Price:          float64Ptr(0.05 + float64(i)*0.001),
			Volatility:     float64Ptr(62.5),
			Delta:          float64Ptr(0.41),
			ObservedAt:     base.Add(time.Duration(i) * time.Second),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Insert(ctx, record); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	records, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("recent returned %d records, want 2", len(records))
	}
	// Newest first.
	if records[0].Price == nil || *records[0].Price != 0.052 {
		t.Errorf("first recent price = %v, want 0.052", records[0].Price)
	}
	if records[0].Volatility == nil || *records[0].Volatility != 62.5 {
		t.Errorf("volatility not round-tripped: %v", records[0].Volatility)
	}
}

func TestStoreInsertNullFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := &models.OptionRecord{
		InstrumentName: "BTC-27MAR26-60000-C",
		ObservedAt:     time.Now().UTC(),
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("insert with null metrics: %v", err)
	}

	records, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Price != nil || got.Volatility != nil || got.Delta != nil {
		t.Errorf("null metrics must stay null: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at was not stamped on insert")
	}
}

func TestStoreHistoryWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	observations := []struct {
		instrument string
		age        time.Duration
	}{
		{"BTC-27MAR26-60000-C", 10 * time.Minute},
		{"BTC-27MAR26-60000-C", 2 * time.Hour},
		{"BTC-27MAR26-60000-C", 30 * time.Hour},
		{"BTC-27MAR26-70000-P", 5 * time.Minute},
	}
	for _, obs := range observations {
		record := &models.OptionRecord{
			InstrumentName: obs.instrument,
			Price:          float64Ptr(0.05),
			ObservedAt:     now.Add(-obs.age),
		}
		if err := store.Insert(ctx, record); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	records, err := store.History(ctx, "BTC-27MAR26-60000-C", 24*time.Hour)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("history returned %d records, want 2 inside the window", len(records))
	}
	if !records[0].ObservedAt.After(records[1].ObservedAt) {
		t.Errorf("history not newest first: %v then %v", records[0].ObservedAt, records[1].ObservedAt)
	}
	for _, record := range records {
		if record.InstrumentName != "BTC-27MAR26-60000-C" {
			t.Errorf("history leaked another instrument: %s", record.InstrumentName)
		}
	}
}

func TestStoreStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats on empty store: %v", err)
	}
	if stats.TotalRecords != 0 || stats.UniqueInstruments != 0 || stats.LatestObservedAt != nil {
		t.Fatalf("empty store stats = %+v", stats)
	}

	latest := time.Now().UTC().Truncate(time.Second)
	inserts := []struct {
		instrument string
		observed   time.Time
	}{
		{"BTC-27MAR26-60000-C", latest.Add(-time.Minute)},
		{"BTC-27MAR26-60000-C", latest},
		{"BTC-27MAR26-70000-P", latest.Add(-30 * time.Second)},
	}
	for _, in := range inserts {
		record := &models.OptionRecord{InstrumentName: in.instrument, ObservedAt: in.observed}
		if err := store.Insert(ctx, record); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("total = %d, want 3", stats.TotalRecords)
	}
	if stats.UniqueInstruments != 2 {
		t.Errorf("unique = %d, want 2", stats.UniqueInstruments)
	}
	if stats.LatestObservedAt == nil || !stats.LatestObservedAt.Equal(latest) {
		t.Errorf("latest = %v, want %v", stats.LatestObservedAt, latest)
	}
}
