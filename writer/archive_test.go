package writer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

func float64Ptr(v float64) *float64 { return &v }

func TestAddRecordBuffersByInstrument(t *testing.T) {
	w := &ArchiveWriter{
		log:    logger.GetLogger(),
		buffer: make(map[string][]models.OptionRecord),
	}

	w.addRecord(models.OptionRecord{InstrumentName: "BTC-27MAR26-60000-C"})
	w.addRecord(models.OptionRecord{InstrumentName: "BTC-27MAR26-60000-C"})
	w.addRecord(models.OptionRecord{InstrumentName: "BTC-27MAR26-70000-P"})

	if got := len(w.buffer["BTC-27MAR26-60000-C"]); got != 2 {
		t.Errorf("call buffer holds %d records, want 2", got)
	}
	if got := len(w.buffer["BTC-27MAR26-70000-P"]); got != 1 {
		t.Errorf("put buffer holds %d records, want 1", got)
	}
}

func TestObjectKeyLayout(t *testing.T) {
	w := &ArchiveWriter{log: logger.GetLogger()}

	now := time.Date(2026, time.March, 27, 8, 30, 0, 0, time.UTC)
	key := w.objectKey("BTC-27MAR26-60000-C", now)

	if !strings.HasPrefix(key, "optionflow/instrument=BTC-27MAR26-60000-C/date=2026-03-27/") {
		t.Fatalf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("key missing parquet suffix: %s", key)
	}
	if strings.Contains(key, "\\") {
		t.Fatalf("key must use forward slashes: %s", key)
	}
}

func TestEncodeParquetSkipsUnusableRows(t *testing.T) {
	w := &ArchiveWriter{
		config: &appconfig.Config{},
		log:    logger.GetLogger(),
	}

	observed := time.Now().UTC()
	records := []models.OptionRecord{
		{InstrumentName: "BTC-27MAR26-60000-C", Price: float64Ptr(0.051), ObservedAt: observed},
		{InstrumentName: "", Price: float64Ptr(1), ObservedAt: observed},
		{InstrumentName: "BTC-27MAR26-60000-C"},
		{InstrumentName: "BTC-27MAR26-60000-C", Volatility: float64Ptr(62.5), ObservedAt: observed},
	}

	data, err := w.encodeParquet(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("encoded file is empty")
	}
	// PAR1 magic bytes frame every parquet file.
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatalf("output is not a parquet file: % x", data[:4])
	}
}
