package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	appconfig "optionflow/config"
	"optionflow/deribit"
	"optionflow/logger"
	"optionflow/models"
)

// ErrNoInstruments means discovery returned nothing worth subscribing to.
// The run cannot proceed without a subscription set, so this is fatal.
var ErrNoInstruments = errors.New("collector: no active unexpired instruments to subscribe")

// Feed is one authenticated websocket conversation with the exchange.
// *deribit.Session satisfies it.
type Feed interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	Subscribe(ctx context.Context, names []string) error
	ReceiveFrame(ctx context.Context) (models.Frame, error)
	Ping(ctx context.Context) error
	Close()
}

// Discoverer lists the instruments available for subscription.
// *deribit.RestClient satisfies it.
type Discoverer interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// Sink persists a single decoded record. *storage.Store satisfies it.
type Sink interface {
	Insert(ctx context.Context, record *models.OptionRecord) error
}

// Collector owns the ingestion loop: discover once, then keep a feed
// session alive and drain its frames into the sink until the context
// is cancelled.
type Collector struct {
	config     *appconfig.Config
	newFeed    func() Feed
	discoverer Discoverer
	sink       Sink
	archive    chan<- models.OptionRecord
	log        *logger.Log
}

func NewCollector(cfg *appconfig.Config, discoverer Discoverer, sink Sink) *Collector {
	return &Collector{
		config:     cfg,
		newFeed:    func() Feed { return deribit.NewSession(cfg) },
		discoverer: discoverer,
		sink:       sink,
		log:        logger.GetLogger(),
	}
}

// SetArchive forwards a copy of every stored record to ch. The send never
// blocks; when ch is full the copy is dropped and the stored row stands.
func (c *Collector) SetArchive(ch chan<- models.OptionRecord) {
	c.archive = ch
}

// Run executes the ingestion loop until ctx is cancelled. Discovery
// failures and an empty subscription set abort the run; transport-level
// session failures trigger a reconnect with exponential backoff.
func (c *Collector) Run(ctx context.Context) error {
	log := c.log.WithComponent("collector")

	instruments, err := c.discoverer.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("instrument discovery: %w", err)
	}

	names := SelectInstruments(instruments, c.config.Discovery.MaxInstruments, time.Now())
	if len(names) == 0 {
		return ErrNoInstruments
	}
	log.WithFields(logger.Fields{"discovered": len(instruments), "selected": len(names)}).
		Info("instrument selection complete")

	baseDelay := time.Duration(c.config.Collector.Backoff.BaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(c.config.Collector.Backoff.MaxDelayMs) * time.Millisecond
	delay := baseDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		feed := c.newFeed()
		active, err := c.runSession(ctx, feed, names)
		feed.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).
				Error("feed session ended, reconnecting")
		}
		if active {
			// The session got as far as an active subscription, so the
			// next failure starts a fresh backoff ladder.
			delay = baseDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if !active {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// runSession drives one feed from dial to failure. The bool reports
// whether the session reached an active subscription before it ended.
func (c *Collector) runSession(ctx context.Context, feed Feed, names []string) (bool, error) {
	log := c.log.WithComponent("collector")

	if err := feed.Connect(ctx); err != nil {
		return false, err
	}
	if err := feed.Authenticate(ctx); err != nil {
		return false, err
	}
	if err := feed.Subscribe(ctx, names); err != nil {
		return false, err
	}
	log.WithFields(logger.Fields{"instruments": len(names)}).Info("feed session active")

	var stored, dropped, skipped int
	defer func() {
		log.LogMetric("collector", "records_stored", stored, "counter", logger.Fields{})
		log.LogMetric("collector", "records_dropped", dropped, "counter", logger.Fields{})
		log.LogMetric("collector", "frames_skipped", skipped, "counter", logger.Fields{})
	}()

	for {
		frame, err := feed.ReceiveFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return true, nil
			case errors.Is(err, deribit.ErrIdle):
				if perr := feed.Ping(ctx); perr != nil {
					return true, perr
				}
				continue
			default:
				return true, err
			}
		}

		record, err := deribit.DecodeTicker(frame)
		if err != nil {
			skipped++
			log.WithError(err).Warn("skipping undecodable frame")
			continue
		}
		if record == nil {
			continue
		}

		if err := c.sink.Insert(ctx, record); err != nil {
			dropped++
			log.WithError(err).WithFields(logger.Fields{"instrument": record.InstrumentName}).
				Error("storage insert failed, record dropped")
			continue
		}
		stored++
		logger.IncrementRecordStored()

		if c.archive != nil {
			select {
			case c.archive <- *record:
			default:
				log.WithFields(logger.Fields{"instrument": record.InstrumentName}).
					Warn("archive channel full, copy dropped")
			}
		}
	}
}
