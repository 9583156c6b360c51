package channel

import (
	"context"
	"testing"
	"time"
)

func TestFramesStats(t *testing.T) {
	f := NewFrames(2, 0)
	f.IncrementSent()
	f.IncrementDropped()
	stats := f.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendFrameDropsWhenFull(t *testing.T) {
	f := NewFrames(1, 0)
	ctx := context.Background()

	if !f.SendFrame(ctx, Frame{ConnID: "a", Data: []byte{1}}) {
		t.Fatalf("first frame should be accepted")
	}
	if f.SendFrame(ctx, Frame{ConnID: "a", Data: []byte{2}}) {
		t.Fatalf("second frame should be dropped")
	}
	if stats := f.GetStats(); stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if f.Len() != 1 || f.Cap() != 1 {
		t.Fatalf("len/cap = %d/%d", f.Len(), f.Cap())
	}
}

func TestSendFrameWaitsForSpace(t *testing.T) {
	f := NewFrames(1, time.Second)
	ctx := context.Background()
	f.SendFrame(ctx, Frame{Data: []byte{1}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-f.C
	}()

	if !f.SendFrame(ctx, Frame{Data: []byte{2}}) {
		t.Fatalf("frame should be accepted once space frees up")
	}
	got := <-f.C
	if got.Data[0] != 2 {
		t.Fatalf("unexpected frame %v", got.Data)
	}
}

func TestSendFrameCancelled(t *testing.T) {
	f := NewFrames(1, time.Minute)
	f.SendFrame(context.Background(), Frame{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if f.SendFrame(ctx, Frame{}) {
		t.Fatalf("cancelled send should fail")
	}
}

func TestFramesCloseTwice(t *testing.T) {
	f := NewFrames(1, 0)
	f.Close()
	f.Close()
}
