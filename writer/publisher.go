// Package writer holds the sinks ticks leave the pipeline through: the
// publisher contract, Kafka, the parquet archive on S3 and the CSV volume log.
package writer

import (
	"time"

	"kiteflow/logger"
)

// TickType tells a consumer which side of the market a tick describes.
type TickType int

const (
	TickLast TickType = iota
	TickBid
	TickAsk
	TickQuote
	TickTrade
)

func (t TickType) String() string {
	switch t {
	case TickLast:
		return "last"
	case TickBid:
		return "bid"
	case TickAsk:
		return "ask"
	case TickQuote:
		return "quote"
	case TickTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Publisher is the boundary synthetic and routed ticks are written into.
type Publisher interface {
	Publish(symbol string, price float64, ts time.Time, volume int64, tickType TickType)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(symbol string, price float64, ts time.Time, volume int64, tickType TickType)

func (f PublisherFunc) Publish(symbol string, price float64, ts time.Time, volume int64, tickType TickType) {
	f(symbol, price, ts, volume, tickType)
}

// LogPublisher writes one debug line per tick.
type LogPublisher struct {
	log *logger.Log
}

func NewLogPublisher(log *logger.Log) *LogPublisher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(symbol string, price float64, ts time.Time, volume int64, tickType TickType) {
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"symbol":    symbol,
		"price":     price,
		"timestamp": ts.Format(time.RFC3339Nano),
		"volume":    volume,
		"type":      tickType.String(),
	}).Debug("tick published")
}

// MultiPublisher fans every tick out to each publisher in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(symbol string, price float64, ts time.Time, volume int64, tickType TickType) {
	for _, p := range m {
		if p != nil {
			p.Publish(symbol, price, ts, volume, tickType)
		}
	}
}
