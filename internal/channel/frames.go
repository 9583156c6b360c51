package channel

import (
	"context"
	"sync"
	"time"

	"kiteflow/logger"
)

// Frame is one binary websocket message as it came off a socket.
type Frame struct {
	ConnID     string
	Symbol     string
	Data       []byte
	ReceivedAt time.Time
}

type FrameStats struct {
	Sent    int64
	Dropped int64
}

// Frames is the bounded queue between receive loops and the dispatcher.
// Every socket feeds the same queue so ordering within one socket holds.
type Frames struct {
	C chan Frame

	enqueueTimeout time.Duration
	closeOnce      sync.Once

	stats      FrameStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewFrames creates the queue. A full queue makes SendFrame wait up to
// enqueueTimeout before the frame is dropped; zero drops immediately.
func NewFrames(bufferSize int, enqueueTimeout time.Duration) *Frames {
	log := logger.GetLogger()
	f := &Frames{
		C:              make(chan Frame, bufferSize),
		enqueueTimeout: enqueueTimeout,
		log:            log,
	}

	log.WithComponent("frame_channel").WithFields(logger.Fields{
		"buffer_size":     bufferSize,
		"enqueue_timeout": enqueueTimeout.String(),
	}).Info("frame channel initialized")

	return f
}

func (f *Frames) Close() {
	f.closeOnce.Do(func() {
		close(f.C)
		f.log.WithComponent("frame_channel").Info("frame channel closed")
	})
}

func (f *Frames) IncrementSent() {
	f.statsMutex.Lock()
	f.stats.Sent++
	f.statsMutex.Unlock()
}

func (f *Frames) IncrementDropped() {
	f.statsMutex.Lock()
	f.stats.Dropped++
	f.statsMutex.Unlock()
}

// SendFrame queues a frame and reports whether it was accepted.
func (f *Frames) SendFrame(ctx context.Context, frame Frame) bool {
	select {
	case f.C <- frame:
		f.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
	}

	if f.enqueueTimeout <= 0 {
		f.IncrementDropped()
		return false
	}

	timer := time.NewTimer(f.enqueueTimeout)
	defer timer.Stop()
	select {
	case f.C <- frame:
		f.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		f.IncrementDropped()
		return false
	}
}

func (f *Frames) Len() int { return len(f.C) }
func (f *Frames) Cap() int { return cap(f.C) }

func (f *Frames) GetStats() FrameStats {
	f.statsMutex.RLock()
	defer f.statsMutex.RUnlock()
	return f.stats
}
