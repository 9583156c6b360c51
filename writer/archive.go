package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"kiteflow/config"
	"kiteflow/internal/metrics"
	"kiteflow/internal/ticker"
	"kiteflow/logger"
)

// ArchiveRecord is one row of an archived parquet file.
type ArchiveRecord struct {
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token        int64   `parquet:"name=token, type=INT64"`
	Mode         string  `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastPrice    float64 `parquet:"name=last_price, type=DOUBLE"`
	LastQuantity int64   `parquet:"name=last_quantity, type=INT64"`
	AveragePrice float64 `parquet:"name=average_price, type=DOUBLE"`
	Volume       int64   `parquet:"name=volume, type=INT64"`
	BuyQuantity  int64   `parquet:"name=buy_quantity, type=INT64"`
	SellQuantity int64   `parquet:"name=sell_quantity, type=INT64"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Close        float64 `parquet:"name=close, type=DOUBLE"`
	ExchangeTime int64   `parquet:"name=exchange_time, type=INT64"`
	ReceivedTime int64   `parquet:"name=received_time, type=INT64"`
}

func newArchiveRecord(symbol string, t ticker.DecodedTick, receivedAt time.Time) ArchiveRecord {
	r := ArchiveRecord{
		Symbol:       symbol,
		Token:        int64(t.Token),
		Mode:         string(t.Mode),
		LastPrice:    t.LastPrice,
		LastQuantity: t.LastQuantity,
		AveragePrice: t.AveragePrice,
		Volume:       t.Volume,
		BuyQuantity:  t.BuyQuantity,
		SellQuantity: t.SellQuantity,
		Open:         t.Open,
		High:         t.High,
		Low:          t.Low,
		Close:        t.Close,
		ReceivedTime: receivedAt.UnixMilli(),
	}
	if !t.ExchangeTimestamp.IsZero() {
		r.ExchangeTime = t.ExchangeTimestamp.UnixMilli()
	}
	return r
}

// memoryFile is a write-only source.ParquetFile over a buffer.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buf: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buf.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memoryFile) Close() error                              { return nil }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type archivedTick struct {
	symbol string
	record ArchiveRecord
}

// TickArchive buffers decoded ticks per symbol and uploads them to S3 as one
// parquet object per symbol on every flush.
type TickArchive struct {
	cfg     config.S3Config
	version string
	client  objectPutter
	log     *logger.Log

	input chan archivedTick

	mu     sync.Mutex
	buffer map[string][]ArchiveRecord

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	uploaded atomic.Int64
	dropped  atomic.Int64
}

// NewTickArchive builds the S3 client from cfg. Static keys are used when
// set, otherwise the default AWS credential chain.
func NewTickArchive(ctx context.Context, cfg config.S3Config, version string, log *logger.Log) (*TickArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required for the tick archive")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := newTickArchive(client, cfg, version, log)
	a.log.WithComponent("tick_archive").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("tick archive initialized")
	return a, nil
}

func newTickArchive(client objectPutter, cfg config.S3Config, version string, log *logger.Log) *TickArchive {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ticks"
	}
	return &TickArchive{
		cfg:     cfg,
		version: version,
		client:  client,
		log:     log,
		input:   make(chan archivedTick, 4096),
		buffer:  make(map[string][]ArchiveRecord),
	}
}

// WriteTick queues a tick for the next flush. It never blocks; a full queue
// drops the tick.
func (a *TickArchive) WriteTick(symbol string, tick ticker.DecodedTick, receivedAt time.Time) {
	select {
	case a.input <- archivedTick{symbol: symbol, record: newArchiveRecord(symbol, tick, receivedAt)}:
	default:
		a.dropped.Add(1)
		metrics.EmitDropMetric(a.log, metrics.DropMetricArchive, "", symbol, "archive")
	}
}

func (a *TickArchive) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("tick archive already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.run()
	a.log.WithComponent("tick_archive").WithField("flush_interval", a.cfg.FlushInterval.String()).Info("tick archive started")
	return nil
}

// Stop uploads whatever is buffered and waits for the worker.
func (a *TickArchive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.log.WithComponent("tick_archive").WithFields(logger.Fields{
		"uploaded": a.uploaded.Load(),
		"dropped":  a.dropped.Load(),
	}).Info("tick archive stopped")
}

func (a *TickArchive) run() {
	defer a.wg.Done()
	flush := time.NewTicker(a.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			a.flush(context.WithoutCancel(a.ctx), "shutdown")
			return
		case t := <-a.input:
			a.add(t)
		case <-flush.C:
			a.flush(a.ctx, "interval")
		}
	}
}

func (a *TickArchive) drain() {
	for {
		select {
		case t := <-a.input:
			a.add(t)
		default:
			return
		}
	}
}

func (a *TickArchive) add(t archivedTick) {
	a.mu.Lock()
	a.buffer[t.symbol] = append(a.buffer[t.symbol], t.record)
	a.mu.Unlock()
}

func (a *TickArchive) flush(ctx context.Context, reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]ArchiveRecord)
	a.mu.Unlock()
	if len(buffers) == 0 {
		return
	}

	log := a.log.WithComponent("tick_archive").WithFields(logger.Fields{
		"symbols": len(buffers),
		"reason":  reason,
	})
	log.Info("flushing tick archive")

	symbols := make([]string, 0, len(buffers))
	for s := range buffers {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	now := time.Now().UTC()
	for _, symbol := range symbols {
		records := buffers[symbol]
		key := archiveKey(a.cfg.Prefix, symbol, now, uuid.New().String())
		data, err := buildParquet(records, a.cfg.Compression)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to create parquet file")
			continue
		}
		if err := a.upload(ctx, key, data); err != nil {
			log.WithError(err).WithEnv("S3_BUCKET").WithField("s3_key", key).Error("failed to upload to S3")
			continue
		}
		a.uploaded.Add(1)
		logger.IncrementArchiveWrite(int64(len(data)))
		logger.LogDataFlowEntry(log, "dispatcher", "s3", len(records), "ticks")
	}
}

func (a *TickArchive) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.cfg.Compression,
			"kiteflow-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}

// archiveKey lays objects out as
// <prefix>/date=YYYY-MM-DD/hour=HH/<symbol>_<ts>_<id>.parquet.
func archiveKey(prefix, symbol string, ts time.Time, id string) string {
	ts = ts.UTC()
	name := fmt.Sprintf("%s_%s_%s.parquet", sanitizeSymbol(symbol), ts.Format("20060102150405"), id)
	return path.Join(prefix,
		"date="+ts.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		name)
}

func sanitizeSymbol(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy", "":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func buildParquet(records []ArchiveRecord, compression string) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := pqwriter.NewParquetWriter(fw, new(ArchiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)
	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.buf.Bytes(), nil
}
