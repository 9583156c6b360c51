package writer

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiteflow/internal/ticker"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestTickVolumeLogDeltasAndRotation(t *testing.T) {
	dir := t.TempDir()
	l, err := NewTickVolumeLog(dir, nil)
	if err != nil {
		t.Fatalf("NewTickVolumeLog: %v", err)
	}
	day1 := time.Date(2024, 6, 7, 15, 29, 0, 0, time.UTC)
	l.now = func() time.Time { return day1 }

	exch := day1.Add(-250 * time.Millisecond)
	l.WriteTick("INFY", ticker.DecodedTick{LastPrice: 1500.25, LastQuantity: 5, Volume: 1000, ExchangeTimestamp: exch}, day1)
	l.WriteTick("INFY", ticker.DecodedTick{LastPrice: 1500.5, LastQuantity: 7, Volume: 1010, ExchangeTimestamp: exch}, day1)
	// a lower cumulative volume never yields a negative delta
	l.WriteTick("INFY", ticker.DecodedTick{LastPrice: 1500.5, LastQuantity: 7, Volume: 900}, day1)

	day2 := day1.Add(24 * time.Hour)
	l.now = func() time.Time { return day2 }
	l.WriteTick("INFY", ticker.DecodedTick{LastPrice: 1501, Volume: 950}, day2)
	l.Close()

	rows := readCSV(t, filepath.Join(dir, "TickVolume_2024-06-07.csv"))
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header + 3", len(rows))
	}
	if rows[0][0] != "Timestamp" || rows[0][8] != "LatencyMs" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][4] != "1500.25" || rows[1][7] != "0" || rows[1][8] != "250.00" {
		t.Fatalf("first row = %v", rows[1])
	}
	if rows[2][7] != "10" {
		t.Fatalf("second row delta = %v", rows[2])
	}
	if rows[3][7] != "0" || rows[3][3] != "" {
		t.Fatalf("third row = %v", rows[3])
	}

	rows = readCSV(t, filepath.Join(dir, "TickVolume_2024-06-08.csv"))
	if len(rows) != 2 || rows[1][7] != "50" {
		t.Fatalf("rotated file rows = %v", rows)
	}
}

func TestTickVolumeLogAppendsWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 7, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		l, err := NewTickVolumeLog(dir, nil)
		if err != nil {
			t.Fatalf("NewTickVolumeLog: %v", err)
		}
		l.now = func() time.Time { return now }
		l.WriteTick("TCS", ticker.DecodedTick{LastPrice: 1}, now)
		l.Close()
	}
	rows := readCSV(t, filepath.Join(dir, "TickVolume_2024-06-07.csv"))
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
}
