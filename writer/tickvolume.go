package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"kiteflow/internal/ticker"
	"kiteflow/logger"
)

var tickVolumeHeader = []string{
	"Timestamp", "Symbol", "ReceivedTime", "ExchangeTime",
	"LTP", "LTQ", "Volume", "VolumeDelta", "LatencyMs",
}

// TickVolumeLog appends one CSV row per tick to a file per calendar day.
type TickVolumeLog struct {
	dir string
	log *logger.Log
	now func() time.Time

	mu      sync.Mutex
	day     string
	file    *os.File
	csv     *csv.Writer
	volumes map[string]int64
	rows    int64
}

func NewTickVolumeLog(dir string, log *logger.Log) (*TickVolumeLog, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tick volume directory: %w", err)
	}
	return &TickVolumeLog{
		dir:     dir,
		log:     log,
		now:     time.Now,
		volumes: make(map[string]int64),
	}, nil
}

func tickVolumeFile(day string) string {
	return "TickVolume_" + day + ".csv"
}

// rotateLocked opens the file for the current day, writing the header when
// the file is new.
func (l *TickVolumeLog) rotateLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	l.closeLocked()

	path := filepath.Join(l.dir, tickVolumeFile(day))
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open tick volume file: %w", err)
	}
	l.file = f
	l.csv = csv.NewWriter(f)
	l.day = day
	if os.IsNotExist(statErr) {
		if err := l.csv.Write(tickVolumeHeader); err != nil {
			return fmt.Errorf("write tick volume header: %w", err)
		}
		l.csv.Flush()
	}
	l.log.WithComponent("tick_volume").WithField("path", path).Info("tick volume log opened")
	return nil
}

// WriteTick records the tick. The delta is the change in cumulative volume
// since the previous tick of the symbol and never negative.
func (l *TickVolumeLog) WriteTick(symbol string, tick ticker.DecodedTick, receivedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if err := l.rotateLocked(now); err != nil {
		l.log.WithComponent("tick_volume").WithError(err).Error("tick volume log unavailable")
		return
	}

	var delta int64
	if prev, ok := l.volumes[symbol]; ok && tick.Volume > prev {
		delta = tick.Volume - prev
	}
	if tick.Volume > 0 {
		l.volumes[symbol] = tick.Volume
	}

	exchange := tick.ExchangeTimestamp
	var latency float64
	exchangeCol := ""
	if !exchange.IsZero() {
		latency = float64(receivedAt.Sub(exchange).Microseconds()) / 1000
		exchangeCol = exchange.Format("15:04:05.000")
	}

	row := []string{
		now.Format("2006-01-02 15:04:05.000"),
		symbol,
		receivedAt.Format("15:04:05.000"),
		exchangeCol,
		strconv.FormatFloat(tick.LastPrice, 'f', 2, 64),
		strconv.FormatInt(tick.LastQuantity, 10),
		strconv.FormatInt(tick.Volume, 10),
		strconv.FormatInt(delta, 10),
		strconv.FormatFloat(latency, 'f', 2, 64),
	}
	if err := l.csv.Write(row); err != nil {
		l.log.WithComponent("tick_volume").WithError(err).Warn("failed to write tick volume row")
		return
	}
	l.csv.Flush()
	l.rows++
}

func (l *TickVolumeLog) closeLocked() {
	if l.file == nil {
		return
	}
	l.csv.Flush()
	if err := l.file.Close(); err != nil {
		l.log.WithComponent("tick_volume").WithError(err).Warn("failed to close tick volume file")
	}
	l.file = nil
	l.csv = nil
}

func (l *TickVolumeLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
	l.log.WithComponent("tick_volume").WithField("rows", l.rows).Info("tick volume log closed")
}
