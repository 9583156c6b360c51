package ticker

import (
	"encoding/binary"
	"time"
)

// Minimum body lengths (bytes after the type tag) per packet type.
const (
	ltpBodyLen          = 8
	quoteBodyLen        = 44
	quoteTimestampedLen = 64
	indexBodyLen        = 28
	indexTimestampedLen = 32
)

// SkipReason says why a packet produced no tick.
type SkipReason int

const (
	SkipUnknownType SkipReason = iota
	SkipShortBody
	SkipEmptyPacket
	SkipTruncated
)

func (r SkipReason) String() string {
	switch r {
	case SkipUnknownType:
		return "unknown_type"
	case SkipShortBody:
		return "short_body"
	case SkipEmptyPacket:
		return "empty_packet"
	case SkipTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Skip describes a packet the decoder stepped over.
type Skip struct {
	Index  int
	Type   PacketType
	Length int
	Reason SkipReason
}

// Observer is told about skipped packets. It must not retain the frame.
type Observer func(Skip)

// Decode parses one binary frame into ticks. It never fails: malformed
// packets are skipped and a broken frame yields whatever was decoded before
// the break.
func Decode(frame []byte) []DecodedTick {
	return DecodeWithObserver(frame, nil)
}

// DecodeWithObserver is Decode with a callback for skipped packets.
//
// Frame layout: uint16 packet count, then per packet a uint16 length L
// followed by L bytes made of a one byte type tag and an L-1 byte body.
func DecodeWithObserver(frame []byte, observe Observer) []DecodedTick {
	if len(frame) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(frame))
	offset := 2
	// each packet needs at least its length field and tag
	capacity := count
	if most := (len(frame) - 2) / 3; most < capacity {
		capacity = most
	}
	ticks := make([]DecodedTick, 0, capacity)

	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			break
		}
		length := int(binary.BigEndian.Uint16(frame[offset:]))
		offset += 2

		if length == 0 {
			notify(observe, Skip{Index: i, Length: 0, Reason: SkipEmptyPacket})
			continue
		}
		if offset+length > len(frame) {
			skip := Skip{Index: i, Length: length, Reason: SkipTruncated}
			if offset < len(frame) {
				skip.Type = PacketType(frame[offset])
			}
			notify(observe, skip)
			break
		}

		packet := frame[offset : offset+length]
		offset += length

		kind := PacketType(packet[0])
		body := packet[1:]

		tick, ok, reason := decodePacket(kind, body)
		if ok {
			ticks = append(ticks, tick)
			continue
		}
		if kind != PacketHeartbeat {
			notify(observe, Skip{Index: i, Type: kind, Length: length, Reason: reason})
		}
	}
	return ticks
}

func notify(observe Observer, s Skip) {
	if observe != nil {
		observe(s)
	}
}

func decodePacket(kind PacketType, body []byte) (DecodedTick, bool, SkipReason) {
	switch kind {
	case PacketLTP:
		if len(body) < ltpBodyLen {
			return DecodedTick{}, false, SkipShortBody
		}
		return DecodedTick{
			Token:     binary.BigEndian.Uint32(body[0:]),
			LastPrice: price(body, 4),
			Mode:      ModeLTP,
		}, true, 0

	case PacketQuote:
		if len(body) < quoteBodyLen {
			return DecodedTick{}, false, SkipShortBody
		}
		t := DecodedTick{
			Token:        binary.BigEndian.Uint32(body[0:]),
			LastPrice:    price(body, 4),
			LastQuantity: quantity(body, 8),
			AveragePrice: price(body, 12),
			Volume:       quantity(body, 16),
			BuyQuantity:  quantity(body, 20),
			SellQuantity: quantity(body, 24),
			Open:         price(body, 28),
			High:         price(body, 32),
			Low:          price(body, 36),
			Close:        price(body, 40),
			Mode:         ModeQuote,
		}
		if len(body) >= quoteTimestampedLen {
			t.ExchangeTimestamp = unixSeconds(body, 60)
			t.Mode = ModeFull
		}
		return t, true, 0

	case PacketIndex:
		if len(body) < indexBodyLen {
			return DecodedTick{}, false, SkipShortBody
		}
		t := DecodedTick{
			Token:     binary.BigEndian.Uint32(body[0:]),
			LastPrice: price(body, 4),
			High:      price(body, 8),
			Low:       price(body, 12),
			Open:      price(body, 16),
			Close:     price(body, 20),
			Mode:      ModeIndex,
			IsIndex:   true,
		}
		if len(body) >= indexTimestampedLen {
			t.ExchangeTimestamp = unixSeconds(body, 28)
		}
		return t, true, 0

	default:
		return DecodedTick{}, false, SkipUnknownType
	}
}

// price converts a paise field to rupees with a single division.
func price(b []byte, at int) float64 {
	return float64(int32(binary.BigEndian.Uint32(b[at:]))) / 100
}

func quantity(b []byte, at int) int64 {
	return int64(binary.BigEndian.Uint32(b[at:]))
}

func unixSeconds(b []byte, at int) time.Time {
	secs := binary.BigEndian.Uint32(b[at:])
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
