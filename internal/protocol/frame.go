// Package protocol defines the frames exchanged between the realtime server
// and its clients over both the long-polling and the websocket transport.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

type FrameType string

const (
	FrameOpen    FrameType = "open"
	FrameEvent   FrameType = "event"
	FrameAck     FrameType = "ack"
	FrameUpgrade FrameType = "upgrade"
	FrameNoop    FrameType = "noop"
	FrameClose   FrameType = "close"
	FrameError   FrameType = "error"
)

// Transport names used in the transport query parameter.
const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

// Reserved event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventPingCheck   = "ping-check"
)

// Frame is one protocol message. An event with a non-zero ID asks the peer
// for an ack frame carrying the same ID.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OpenData is the payload of the open frame that starts every session.
type OpenData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// NewEvent builds an event frame, encoding data when it is not already raw JSON.
func NewEvent(event string, id uint64, data interface{}) (Frame, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s data: %w", event, err)
	}
	return Frame{Type: FrameEvent, Event: event, ID: id, Data: raw}, nil
}

func NewAck(id uint64, data interface{}) (Frame, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode ack data: %w", err)
	}
	return Frame{Type: FrameAck, ID: id, Data: raw}, nil
}

func encodeData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// EncodeBatch joins already encoded frames into the JSON array body used by
// the polling transport.
func EncodeBatch(frames [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func DecodeBatch(body []byte) ([]Frame, error) {
	var frames []Frame
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	for i, f := range frames {
		if f.Type == "" {
			return nil, fmt.Errorf("decode batch: frame %d missing type", i)
		}
	}
	return frames, nil
}
