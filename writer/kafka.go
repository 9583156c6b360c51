package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"kiteflow/config"
	"kiteflow/internal/metrics"
	"kiteflow/logger"
)

// TickMessage is the JSON value written to Kafka for each published tick.
type TickMessage struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Volume    int64     `json:"volume"`
	Type      string    `json:"type"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues ticks and writes them to a topic keyed by symbol.
// Publish never blocks; a full queue drops the tick. The run loop drains
// whatever is queued into one WriteMessages call of at most batchSize.
type KafkaPublisher struct {
	writer    messageWriter
	queue     chan TickMessage
	batchSize int
	log       *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	written atomic.Int64
	dropped atomic.Int64
}

func NewKafkaPublisher(cfg config.KafkaConfig, log *logger.Log) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	p := newKafkaPublisher(w, cfg.Buffer, cfg.BatchSize, log)
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers":       cfg.Brokers,
		"topic":         cfg.Topic,
		"batch_size":    cfg.BatchSize,
		"batch_timeout": cfg.BatchTimeout.String(),
	}).Info("kafka publisher initialized")
	return p, nil
}

func newKafkaPublisher(w messageWriter, buffer, batchSize int, log *logger.Log) *KafkaPublisher {
	if log == nil {
		log = logger.GetLogger()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &KafkaPublisher{
		writer:    w,
		queue:     make(chan TickMessage, buffer),
		batchSize: batchSize,
		log:       log,
	}
}

func (p *KafkaPublisher) Publish(symbol string, price float64, ts time.Time, volume int64, tickType TickType) {
	msg := TickMessage{Symbol: symbol, Price: price, Timestamp: ts, Volume: volume, Type: tickType.String()}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		metrics.EmitDropMetric(p.log, metrics.DropMetricPublish, "", symbol, "kafka")
	}
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	batch := make([]TickMessage, 0, p.batchSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			batch = append(batch[:0], msg)
		drain:
			for len(batch) < p.batchSize {
				select {
				case next := <-p.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			p.write(batch)
		}
	}
}

func (p *KafkaPublisher) write(batch []TickMessage) {
	log := p.log.WithComponent("kafka_publisher")
	msgs := make([]kafka.Message, 0, len(batch))
	for _, t := range batch {
		value, err := json.Marshal(t)
		if err != nil {
			log.WithError(err).WithField("symbol", t.Symbol).Warn("failed to marshal tick")
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(t.Symbol), Value: value, Time: t.Timestamp})
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(p.ctx, msgs...); err != nil {
		if p.ctx.Err() == nil {
			log.WithError(err).WithField("messages", len(msgs)).Warn("failed to write ticks")
		}
		return
	}
	p.written.Add(int64(len(msgs)))
	logger.LogDataFlowEntry(log, "publisher", "kafka", len(msgs), "ticks")
}

func (p *KafkaPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to close kafka writer")
	}
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"written": p.written.Load(),
		"dropped": p.dropped.Load(),
	}).Info("kafka publisher stopped")
}
