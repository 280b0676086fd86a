package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/metadata"
	"quoteflow/logger"
	"quoteflow/models"
)

// QuoteRecord is the parquet row layout for archived annotated quotes.
type QuoteRecord struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64"`
	BidPrice   float64 `parquet:"name=bid_price, type=DOUBLE"`
	BidSize    int64   `parquet:"name=bid_qty, type=INT64"`
	AskPrice   float64 `parquet:"name=ask_price, type=DOUBLE"`
	AskSize    int64   `parquet:"name=ask_qty, type=INT64"`
	OneMinMA   float64 `parquet:"name=one_min_ma, type=DOUBLE"`
	HigherBand float64 `parquet:"name=higher_band_2_sigma, type=DOUBLE"`
	LowerBand  float64 `parquet:"name=lower_band_2_sigma, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ArchiveWriter drains the annotated channel into per-symbol buffers and
// periodically flushes each buffer as one parquet object on S3, partitioned
// by symbol and date. Every upload is also recorded in the Iceberg-style
// table metadata so the archive stays queryable.
type ArchiveWriter struct {
	config      *appconfig.Config
	annotated   <-chan models.AnnotatedQuote
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.AnnotatedQuote
	flushTicker *time.Ticker
	metaGen     *metadata.Generator
}

// NewArchiveWriter builds the S3 client and validates credentials up front,
// so a misconfigured archive fails at startup rather than on first flush.
func NewArchiveWriter(cfg *appconfig.Config, ch *channel.Channels, metaDir string) (*ArchiveWriter, error) {
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
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
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
		config:    cfg,
		annotated: ch.Annotated,
		s3Client:  s3Client,
		wg:        &sync.WaitGroup{},
		log:       log,
		metaGen:   metadata.NewGenerator(metaDir, "quotes"),
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
	log.Info("starting archive writer")

	interval := w.config.Storage.Archive.FlushInterval()
	if interval <= 0 {
		interval = time.Minute
	}

	w.buffer = make(map[string][]models.AnnotatedQuote)
	w.flushTicker = time.NewTicker(interval)

	w.wg.Add(2)
	go w.collectWorker()
	go w.flushWorker()

	log.Info("archive writer started successfully")
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

func (w *ArchiveWriter) collectWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "collect"})
	log.Info("starting collect worker")

	batchSize := w.config.Storage.Archive.BatchSize

	for {
		select {
		case <-w.ctx.Done():
			log.Info("collect worker stopped due to context cancellation")
			return
		case aq, ok := <-w.annotated:
			if !ok {
				log.Info("annotated channel closed, collect worker stopping")
				return
			}
			if n := w.add(aq); batchSize > 0 && n >= batchSize {
				w.flushSymbol(aq.Symbol, "batch_size")
			}
		}
	}
}

// add appends one quote to its symbol buffer and reports the new length.
func (w *ArchiveWriter) add(aq models.AnnotatedQuote) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer[aq.Symbol] = append(w.buffer[aq.Symbol], aq)
	return len(w.buffer[aq.Symbol])
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushAll("interval")
		}
	}
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.AnnotatedQuote)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for symbol, quotes := range buffers {
		w.processBuffer(symbol, quotes)
	}
}

func (w *ArchiveWriter) flushSymbol(symbol, reason string) {
	w.mu.Lock()
	quotes := w.buffer[symbol]
	delete(w.buffer, symbol)
	w.mu.Unlock()

	if len(quotes) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"symbol": symbol,
		"count":  len(quotes),
		"reason": reason,
	}).Info("flushing symbol buffer")

	w.processBuffer(symbol, quotes)
}

func (w *ArchiveWriter) processBuffer(symbol string, quotes []models.AnnotatedQuote) {
	start := time.Now()
	flushedAt := start

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"symbol":       symbol,
		"record_count": len(quotes),
		"operation":    "process_buffer",
	})

	key := w.objectKey(symbol, flushedAt)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.createParquetFile(quotes)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	logger.LogPerformanceEntry(w.log.WithComponent("archive_writer"), "archive_writer", "flush", time.Since(start), logger.Fields{
		"symbol": symbol,
	})
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("buffer archived successfully")

	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", w.config.Storage.S3.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(quotes)),
		Partition: map[string]any{
			"symbol": symbol,
			"date":   flushedAt.UTC().Format("2006-01-02"),
		},
		Timestamp: flushedAt,
	}
	if err := w.metaGen.AddFile(df); err != nil {
		log.WithError(err).Warn("failed to update table metadata")
	}
}

func (w *ArchiveWriter) objectKey(symbol string, ts time.Time) string {
	ts = ts.UTC()
	parts := []string{
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("quotes_%s_%s.parquet", symbol, ts.Format("20060102150405")),
	}
	if prefix := strings.Trim(w.config.Storage.S3.Prefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func (w *ArchiveWriter) createParquetFile(quotes []models.AnnotatedQuote) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(QuoteRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Storage.Archive.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, aq := range quotes {
		record := QuoteRecord{
			Symbol:     aq.Symbol,
			Timestamp:  aq.Timestamp.UnixMilli(),
			BidPrice:   aq.BidPrice,
			BidSize:    aq.BidSize,
			AskPrice:   aq.AskPrice,
			AskSize:    aq.AskSize,
			OneMinMA:   aq.WindowStats.OneMinMA,
			HigherBand: aq.WindowStats.HigherBand2Sigma,
			LowerBand:  aq.WindowStats.LowerBand2Sigma,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.config.Storage.Archive.Compression,
			"quoteflow-version": w.config.Quoteflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
