package ticker

import "time"

// Token is the broker-issued instrument identifier. Zero is never valid.
type Token = uint32

// Mode is the richness level requested for a token.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
	ModeIndex Mode = "index"
)

// ParseMode maps a configured mode name onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeLTP, ModeQuote, ModeFull, ModeIndex:
		return Mode(s), true
	default:
		return "", false
	}
}

// PacketType is the tag byte that precedes every packet body.
type PacketType byte

const (
	PacketLTP       PacketType = 0
	PacketQuote     PacketType = 1
	PacketIndex     PacketType = 6
	PacketHeartbeat PacketType = 123
)

// DecodedTick is one instrument update. Fields the packet did not carry are
// zero; Mode and IsIndex tell which fields are meaningful.
type DecodedTick struct {
	Token             Token
	LastPrice         float64
	LastQuantity      int64
	AveragePrice      float64
	Volume            int64
	BuyQuantity       int64
	SellQuantity      int64
	Open              float64
	High              float64
	Low               float64
	Close             float64
	ExchangeTimestamp time.Time
	Mode              Mode
	IsIndex           bool
}
