package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionflow/collector"
	"optionflow/config"
	"optionflow/deribit"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/storage"
	"optionflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Storage.SQLite.Path)
	if err != nil {
		log.WithError(err).Error("Failed to open sqlite store")
		os.Exit(1)
	}
	defer store.Close()

	// Query subcommands read the local database (or the REST API) and exit.
	if args := flag.Args(); len(args) > 0 {
		if err := runQuery(cfg, store, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log.WithFields(logger.Fields{
		"service": cfg.Optionflow.Name,
		"version": cfg.Optionflow.Version,
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	rest := deribit.NewRestClient(cfg)
	if err := rest.Authenticate(ctx); err != nil {
		log.WithError(err).Error("Deribit REST authentication failed")
		os.Exit(1)
	}

	ingest := collector.NewCollector(cfg, rest, store)

	var archiveWriter *writer.ArchiveWriter
	if cfg.Storage.S3.Enabled {
		archive := make(chan models.OptionRecord, cfg.Channels.ArchiveBuffer)
		archiveWriter, err = writer.NewArchiveWriter(cfg, archive)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		ingest.SetArchive(archive)
	} else {
		log.WithComponent("main").Info("S3 archiving disabled; skipping archive writer")
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	runErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- ingest.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("collector stopped")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optionflow stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// runQuery serves the read-only subcommands: records, stats, history and
// ticker.
func runQuery(cfg *config.Config, store *storage.Store, args []string) error {
	ctx := context.Background()

	switch args[0] {
	case "records":
		limit := 10
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("records: limit must be a positive integer, got %q", args[1])
			}
			limit = n
		}
		records, err := store.Recent(ctx, limit)
		if err != nil {
			return err
		}
		printRecords(records)
		return nil

	case "stats":
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total records:      %d\n", stats.TotalRecords)
		fmt.Printf("unique instruments: %d\n", stats.UniqueInstruments)
		if stats.LatestObservedAt != nil {
			fmt.Printf("latest observation: %s\n", stats.LatestObservedAt.Format(time.RFC3339))
		} else {
			fmt.Println("latest observation: none")
		}
		return nil

	case "history":
		if len(args) < 2 {
			return fmt.Errorf("history: instrument name required")
		}
		hours := 24
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				return fmt.Errorf("history: hours must be a positive integer, got %q", args[2])
			}
			hours = n
		}
		records, err := store.History(ctx, args[1], time.Duration(hours)*time.Hour)
		if err != nil {
			return err
		}
		printRecords(records)
		return nil

	case "ticker":
		if len(args) < 2 {
			return fmt.Errorf("ticker: instrument name required")
		}
		rest := deribit.NewRestClient(cfg)
		if err := rest.Authenticate(ctx); err != nil {
			return err
		}
		ticker, err := rest.Ticker(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("instrument: %s\n", ticker.InstrumentName)
		fmt.Printf("mark price: %s\n", formatMetric(ticker.MarkPrice, "%.4f"))
		fmt.Printf("last price: %s\n", formatMetric(ticker.LastPrice, "%.4f"))
		fmt.Printf("mark iv:    %s\n", formatMetric(ticker.MarkIV, "%.2f"))
		if ticker.Greeks != nil {
			fmt.Printf("delta:      %s\n", formatMetric(ticker.Greeks.Delta, "%.4f"))
		}
		if ticker.Timestamp > 0 {
			fmt.Printf("timestamp:  %s\n", time.UnixMilli(ticker.Timestamp).UTC().Format(time.RFC3339))
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q (expected records, stats, history or ticker)", args[0])
	}
}

func printRecords(records []models.OptionRecord) {
	if len(records) == 0 {
		fmt.Println("no records")
		return
	}
	fmt.Printf("%-28s %12s %10s %8s  %s\n", "INSTRUMENT", "PRICE", "IV", "DELTA", "OBSERVED")
	for _, r := range records {
		fmt.Printf("%-28s %12s %10s %8s  %s\n",
			r.InstrumentName,
			formatMetric(r.Price, "%.4f"),
			formatMetric(r.Volatility, "%.2f"),
			formatMetric(r.Delta, "%.4f"),
			r.ObservedAt.Format(time.RFC3339))
	}
}

func formatMetric(v *float64, layout string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(layout, *v)
}
