package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/deribit"
	"optionflow/models"
)

type feedStep struct {
	frame *models.Frame
	idle  bool
	err   error
}

type sessionScript struct {
	connectErr error
	authErr    error
	subErr     error
	steps      []feedStep
}

// fakeFeed plays back one sessionScript. Once the steps run out it blocks
// in ReceiveFrame until the context is cancelled, like a quiet live feed.
type fakeFeed struct {
	script     sessionScript
	pos        int
	subscribed []string
	pings      int
	closed     bool
}

func (f *fakeFeed) Connect(ctx context.Context) error { return f.script.connectErr }

func (f *fakeFeed) Authenticate(ctx context.Context) error { return f.script.authErr }

func (f *fakeFeed) Subscribe(ctx context.Context, names []string) error {
	if f.script.subErr != nil {
		return f.script.subErr
	}
	f.subscribed = append([]string(nil), names...)
	return nil
}

func (f *fakeFeed) ReceiveFrame(ctx context.Context) (models.Frame, error) {
	if f.pos >= len(f.script.steps) {
		<-ctx.Done()
		return models.Frame{}, ctx.Err()
	}
	step := f.script.steps[f.pos]
	f.pos++
	switch {
	case step.idle:
		return models.Frame{}, deribit.ErrIdle
	case step.err != nil:
		return models.Frame{}, step.err
	default:
		return *step.frame, nil
	}
}

func (f *fakeFeed) Ping(ctx context.Context) error { f.pings++; return nil }

func (f *fakeFeed) Close() { f.closed = true }

// fakeEnv hands out one fakeFeed per scripted session. Extra sessions
// beyond the scripts get an empty script, which just blocks.
type fakeEnv struct {
	mu      sync.Mutex
	scripts []sessionScript
	feeds   []*fakeFeed
}

func (e *fakeEnv) newFeed() Feed {
	e.mu.Lock()
	defer e.mu.Unlock()
	var script sessionScript
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	feed := &fakeFeed{script: script}
	e.feeds = append(e.feeds, feed)
	return feed
}

type fakeDiscoverer struct {
	instruments []models.Instrument
	err         error
}

func (d *fakeDiscoverer) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return d.instruments, d.err
}

// fakeSink records inserts, fails the attempts listed in failOn, and
// closes done once want records have been stored.
type fakeSink struct {
	mu      sync.Mutex
	records []models.OptionRecord
	failOn  map[int]bool
	calls   int
	want    int
	done    chan struct{}
	once    sync.Once
}

func newFakeSink(want int) *fakeSink {
	return &fakeSink{failOn: map[int]bool{}, want: want, done: make(chan struct{})}
}

func (s *fakeSink) Insert(ctx context.Context, record *models.OptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn[s.calls] {
		return errors.New("disk full")
	}
	s.records = append(s.records, *record)
	if len(s.records) >= s.want {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

func (s *fakeSink) stored() []models.OptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OptionRecord(nil), s.records...)
}

func tickerStep(name string, price float64) feedStep {
	data, _ := json.Marshal(map[string]interface{}{
		"instrument_name": name,
		"mark_price":      price,
		"timestamp":       time.Now().UnixMilli(),
	})
	return feedStep{frame: &models.Frame{
		JSONRPC: "2.0",
		Method:  "subscription",
		Params:  &models.SubscriptionParams{Channel: "ticker." + name + ".raw", Data: data},
	}}
}

func testInstruments(n int) []models.Instrument {
	future := time.Now().Add(24 * time.Hour).UnixMilli()
	instruments := make([]models.Instrument, n)
	for i := range instruments {
		instruments[i] = models.Instrument{
			InstrumentName:      fmt.Sprintf("BTC-27MAR26-%d-C", 50000+i*1000),
			IsActive:            true,
			ExpirationTimestamp: future,
			Kind:                "option",
			BaseCurrency:        "BTC",
		}
	}
	return instruments
}

func collectorConfig() *appconfig.Config {
	return &appconfig.Config{
		Discovery: appconfig.DiscoveryConfig{Currency: "BTC", Kind: "option", MaxInstruments: 5},
		Collector: appconfig.CollectorConfig{
			Backoff: appconfig.BackoffConfig{BaseDelayMs: 1, MaxDelayMs: 10},
		},
	}
}

func newTestCollector(cfg *appconfig.Config, env *fakeEnv, disc Discoverer, sink Sink) *Collector {
	c := NewCollector(cfg, disc, sink)
	c.newFeed = env.newFeed
	return c
}

func runUntil(t *testing.T, c *Collector, trigger <-chan struct{}) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case <-trigger:
	case err := <-errCh:
		t.Fatalf("run ended before trigger: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for trigger")
	}
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
		return nil
	}
}

func TestCollectorStoresDecodedRecords(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{{
		steps: []feedStep{
			tickerStep("BTC-27MAR26-50000-C", 0.051),
			tickerStep("BTC-27MAR26-51000-C", 0.047),
		},
	}}}
	sink := newFakeSink(2)
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(2)}, sink)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	stored := sink.stored()
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}
	if stored[0].InstrumentName != "BTC-27MAR26-50000-C" || stored[1].InstrumentName != "BTC-27MAR26-51000-C" {
		t.Errorf("records out of order: %v, %v", stored[0].InstrumentName, stored[1].InstrumentName)
	}
	if len(env.feeds) == 0 || len(env.feeds[0].subscribed) != 2 {
		t.Fatalf("feed not subscribed to both instruments: %+v", env.feeds)
	}
}

func TestCollectorSelectionCap(t *testing.T) {
	instruments := testInstruments(8)
	expired := models.Instrument{
		InstrumentName:      "BTC-01JAN20-10000-C",
		IsActive:            true,
		ExpirationTimestamp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	inactive := models.Instrument{
		InstrumentName:      "BTC-27MAR26-99000-C",
		IsActive:            false,
		ExpirationTimestamp: time.Now().Add(24 * time.Hour).UnixMilli(),
	}
	// Deactivated and expired entries sit in front so selection must skip
	// them without spending slots.
	all := append([]models.Instrument{expired, inactive}, instruments...)

	names := SelectInstruments(all, 5, time.Now())
	if len(names) != 5 {
		t.Fatalf("selected %d, want 5", len(names))
	}
	for i, name := range names {
		if name != instruments[i].InstrumentName {
			t.Errorf("slot %d = %s, want %s", i, name, instruments[i].InstrumentName)
		}
	}
}

func TestCollectorNoInstruments(t *testing.T) {
	expired := []models.Instrument{{
		InstrumentName:      "BTC-01JAN20-10000-C",
		IsActive:            true,
		ExpirationTimestamp: time.Now().Add(-time.Hour).UnixMilli(),
	}}
	c := NewCollector(collectorConfig(), &fakeDiscoverer{instruments: expired}, newFakeSink(1))

	if err := c.Run(context.Background()); !errors.Is(err, ErrNoInstruments) {
		t.Fatalf("expected ErrNoInstruments, got %v", err)
	}
}

func TestCollectorDiscoveryFailureIsFatal(t *testing.T) {
	c := NewCollector(collectorConfig(), &fakeDiscoverer{err: errors.New("api unreachable")}, newFakeSink(1))

	err := c.Run(context.Background())
	if err == nil || errors.Is(err, ErrNoInstruments) {
		t.Fatalf("expected discovery error, got %v", err)
	}
}

func TestCollectorInsertFailureDropsOnlyThatRecord(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{{
		steps: []feedStep{
			tickerStep("BTC-27MAR26-50000-C", 1),
			tickerStep("BTC-27MAR26-50000-C", 2),
			tickerStep("BTC-27MAR26-50000-C", 3),
			tickerStep("BTC-27MAR26-50000-C", 4),
			tickerStep("BTC-27MAR26-50000-C", 5),
		},
	}}}
	sink := newFakeSink(4)
	sink.failOn[3] = true
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(1)}, sink)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	stored := sink.stored()
	if len(stored) != 4 {
		t.Fatalf("stored %d records, want 4", len(stored))
	}
	want := []float64{1, 2, 4, 5}
	for i, record := range stored {
		if record.Price == nil || *record.Price != want[i] {
			t.Errorf("record %d price = %v, want %v", i, record.Price, want[i])
		}
	}
}

func TestCollectorReconnectsAfterTransportError(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{
		{steps: []feedStep{
			tickerStep("BTC-27MAR26-50000-C", 1),
			tickerStep("BTC-27MAR26-50000-C", 2),
			{err: &deribit.TransportError{Op: "receive_frame", Err: errors.New("connection reset")}},
		}},
		{steps: []feedStep{
			tickerStep("BTC-27MAR26-50000-C", 3),
		}},
	}}
	sink := newFakeSink(3)
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(2)}, sink)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(env.feeds) < 2 {
		t.Fatalf("expected a second session after transport error, saw %d", len(env.feeds))
	}
	first, second := env.feeds[0], env.feeds[1]
	if !first.closed {
		t.Error("failed session was not closed")
	}
	if len(second.subscribed) != len(first.subscribed) {
		t.Fatalf("resubscription set differs: %v vs %v", second.subscribed, first.subscribed)
	}
	for i := range first.subscribed {
		if second.subscribed[i] != first.subscribed[i] {
			t.Errorf("resubscribed %v, want %v", second.subscribed, first.subscribed)
		}
	}
}

func TestCollectorIdleTriggersSinglePing(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{{
		steps: []feedStep{
			{idle: true},
			tickerStep("BTC-27MAR26-50000-C", 1),
		},
	}}}
	sink := newFakeSink(1)
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(1)}, sink)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(env.feeds) != 1 {
		t.Fatalf("idle must not reconnect, saw %d sessions", len(env.feeds))
	}
	if env.feeds[0].pings != 1 {
		t.Errorf("pings = %d, want 1", env.feeds[0].pings)
	}
}

func TestCollectorAuthFailureRetries(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{
		{authErr: &deribit.AuthError{Reason: "invalid_credentials"}},
		{steps: []feedStep{tickerStep("BTC-27MAR26-50000-C", 1)}},
	}}
	sink := newFakeSink(1)
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(1)}, sink)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(env.feeds) < 2 {
		t.Fatalf("expected retry after auth failure, saw %d sessions", len(env.feeds))
	}
	if !env.feeds[0].closed {
		t.Error("failed session was not closed")
	}
}

func TestCollectorArchiveCopyNeverBlocks(t *testing.T) {
	env := &fakeEnv{scripts: []sessionScript{{
		steps: []feedStep{
			tickerStep("BTC-27MAR26-50000-C", 1),
			tickerStep("BTC-27MAR26-50000-C", 2),
		},
	}}}
	sink := newFakeSink(2)
	c := newTestCollector(collectorConfig(), env, &fakeDiscoverer{instruments: testInstruments(1)}, sink)

	// Room for one record only; the second copy must be dropped, not block.
	archive := make(chan models.OptionRecord, 1)
	c.SetArchive(archive)

	if err := runUntil(t, c, sink.done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.stored()) != 2 {
		t.Fatalf("stored %d records, want 2", len(sink.stored()))
	}
	if len(archive) != 1 {
		t.Fatalf("archive holds %d records, want 1", len(archive))
	}
}
