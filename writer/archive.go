package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// ParquetRecord is the row layout of an archived parquet file. The metric
// columns are optional because a ticker may carry any subset of them.
type ParquetRecord struct {
	InstrumentName string   `parquet:"name=instrument_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price          *float64 `parquet:"name=price, type=DOUBLE, repetitiontype=OPTIONAL"`
	Volatility     *float64 `parquet:"name=volatility, type=DOUBLE, repetitiontype=OPTIONAL"`
	Delta          *float64 `parquet:"name=delta, type=DOUBLE, repetitiontype=OPTIONAL"`
	ObservedAt     int64    `parquet:"name=observed_at, type=INT64"`
}

// memoryFileWriter implements ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Writing is append-only, seeking is never exercised.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) { return mfw.buffer.Read(b) }

func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }

func (mfw *memoryFileWriter) Close() error { return nil }

func (mfw *memoryFileWriter) Bytes() []byte { return mfw.buffer.Bytes() }

// ArchiveWriter drains the archive channel into per-instrument buffers and
// flushes each buffer as a parquet object to S3 on an interval.
type ArchiveWriter struct {
	config      *appconfig.Config
	records     <-chan models.OptionRecord
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.OptionRecord
	flushTicker *time.Ticker
}

func NewArchiveWriter(cfg *appconfig.Config, records <-chan models.OptionRecord) (*ArchiveWriter, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &ArchiveWriter{
		config:   cfg,
		records:  records,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return w, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "start"})

	w.buffer = make(map[string][]models.OptionRecord)
	flushInterval := time.Duration(w.config.Storage.S3.FlushIntervalMs) * time.Millisecond
	w.flushTicker = time.NewTicker(flushInterval)

	w.wg.Add(2)
	go w.worker()
	go w.flushWorker()

	log.WithFields(logger.Fields{"flush_interval": flushInterval.String()}).Info("archive writer started")
	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "buffer"})

	for {
		select {
		case <-w.ctx.Done():
			log.Info("buffer worker stopped due to context cancellation")
			return
		case record, ok := <-w.records:
			if !ok {
				log.Info("archive channel closed, worker stopping")
				return
			}
			w.addRecord(record)
		}
	}
}

func (w *ArchiveWriter) addRecord(record models.OptionRecord) {
	w.mu.Lock()
	w.buffer[record.InstrumentName] = append(w.buffer[record.InstrumentName], record)
	w.mu.Unlock()
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *ArchiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.OptionRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for instrument, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.flushInstrument(instrument, records)
	}
}

func (w *ArchiveWriter) flushInstrument(instrument string, records []models.OptionRecord) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"instrument":   instrument,
		"record_count": len(records),
		"operation":    "flush_instrument",
	})

	key := w.objectKey(instrument, time.Now().UTC())
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.encodeParquet(records)
	if err != nil {
		log.WithError(err).Error("archive parquet encoding failed")
		return
	}

	if err := w.upload(key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("archive upload failed")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	logger.LogDataFlowEntry(log, "archive_buffer", "s3", len(records), "option_records")
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive object uploaded")
}

func (w *ArchiveWriter) objectKey(instrument string, now time.Time) string {
	parts := []string{
		"optionflow",
		fmt.Sprintf("instrument=%s", instrument),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		fmt.Sprintf("%s.parquet", uuid.New().String()),
	}
	key := filepath.Join(parts...)
	return filepath.ToSlash(key)
}

func (w *ArchiveWriter) encodeParquet(records []models.OptionRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(ParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if record.InstrumentName == "" || record.ObservedAt.IsZero() {
			continue
		}
		row := ParquetRecord{
			InstrumentName: record.InstrumentName,
			Price:          record.Price,
			Volatility:     record.Volatility,
			Delta:          record.Delta,
			ObservedAt:     record.ObservedAt.UnixMilli(),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        "snappy",
			"optionflow-version": w.config.Optionflow.Version,
		},
	}

	// Shutdown flushes still need a live context for the final upload.
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
