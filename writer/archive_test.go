package writer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"kiteflow/config"
	"kiteflow/internal/ticker"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.keys = append(f.keys, *in.Key)
	f.body = append(f.body, data)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveKey(t *testing.T) {
	ts := time.Date(2024, 6, 7, 9, 15, 30, 0, time.UTC)
	got := archiveKey("ticks", "NIFTY 50", ts, "abc")
	want := "ticks/date=2024-06-07/hour=09/NIFTY_50_20240607091530_abc.parquet"
	if got != want {
		t.Fatalf("archiveKey = %q, want %q", got, want)
	}
}

func TestBuildParquet(t *testing.T) {
	recs := []ArchiveRecord{
		newArchiveRecord("INFY", ticker.DecodedTick{Token: 408065, LastPrice: 1500.25, Mode: ticker.ModeFull}, time.Now()),
		newArchiveRecord("INFY", ticker.DecodedTick{Token: 408065, LastPrice: 1500.5, Mode: ticker.ModeLTP}, time.Now()),
	}
	data, err := buildParquet(recs, "snappy")
	if err != nil {
		t.Fatalf("buildParquet: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatalf("output is not a parquet file (%d bytes)", len(data))
	}
}

func TestTickArchiveFlushesOnStop(t *testing.T) {
	put := &fakePutter{}
	a := newTickArchive(put, config.S3Config{Bucket: "b", FlushInterval: time.Hour}, "test", nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	now := time.Now()
	a.WriteTick("INFY", ticker.DecodedTick{Token: 408065, LastPrice: 1}, now)
	a.WriteTick("TCS", ticker.DecodedTick{Token: 2953217, LastPrice: 2}, now)
	a.WriteTick("INFY", ticker.DecodedTick{Token: 408065, LastPrice: 3}, now)
	a.Stop()

	put.mu.Lock()
	defer put.mu.Unlock()
	if len(put.keys) != 2 {
		t.Fatalf("uploaded %v, want one object per symbol", put.keys)
	}
	if !strings.Contains(put.keys[0], "/INFY_") || !strings.Contains(put.keys[1], "/TCS_") {
		t.Fatalf("keys = %v", put.keys)
	}
	if !strings.HasPrefix(put.keys[0], "ticks/date=") {
		t.Fatalf("default prefix not applied: %s", put.keys[0])
	}
}

func TestTickArchiveDropsWhenQueueFull(t *testing.T) {
	a := newTickArchive(&fakePutter{}, config.S3Config{Bucket: "b"}, "test", nil)
	a.input = make(chan archivedTick, 1)
	a.WriteTick("X", ticker.DecodedTick{}, time.Now())
	a.WriteTick("X", ticker.DecodedTick{}, time.Now())
	if a.dropped.Load() != 1 {
		t.Fatalf("dropped = %d", a.dropped.Load())
	}
}
