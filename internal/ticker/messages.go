package ticker

import (
	"encoding/json"
	"fmt"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

type request struct {
	A string      `json:"a"`
	V interface{} `json:"v"`
}

// SubscribeMessage encodes {"a":"subscribe","v":[tokens]}.
func SubscribeMessage(tokens []Token) ([]byte, error) {
	return encode(actionSubscribe, nonNil(tokens))
}

// UnsubscribeMessage encodes {"a":"unsubscribe","v":[tokens]}.
func UnsubscribeMessage(tokens []Token) ([]byte, error) {
	return encode(actionUnsubscribe, nonNil(tokens))
}

// ModeMessage encodes {"a":"mode","v":["<mode>",[tokens]]}.
func ModeMessage(mode Mode, tokens []Token) ([]byte, error) {
	if _, ok := ParseMode(string(mode)); !ok {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	return encode(actionMode, []interface{}{string(mode), nonNil(tokens)})
}

func encode(action string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(request{A: action, V: v})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", action, err)
	}
	return data, nil
}

func nonNil(tokens []Token) []Token {
	if tokens == nil {
		return []Token{}
	}
	return tokens
}

// TextMessage is an inbound JSON control frame, e.g.
// {"type":"error","data":"..."} or {"type":"order","data":{...}}.
type TextMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IsError reports whether the broker flagged an error.
func (m TextMessage) IsError() bool {
	return m.Type == "error"
}

// Text returns Data as a string when it is a JSON string, otherwise the raw
// JSON.
func (m TextMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

func ParseTextMessage(data []byte) (TextMessage, error) {
	var m TextMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return TextMessage{}, fmt.Errorf("parse text message: %w", err)
	}
	return m, nil
}
