// Package wire defines the messages exchanged on the drawing socket and the codecs that frame
// them. Two subprotocols are offered: JSON in text frames (the default) and CBOR in binary frames.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/astromechza/livedraw/pkg/strokes"
)

const (
	SubprotocolJSON = "livedraw.v1.json"
	SubprotocolCBOR = "livedraw.v1.cbor"
)

const (
	TypeStroke   = "stroke"
	TypeDrawing  = "drawing"
	TypeInk      = "ink"
	TypeError    = "error"
	TypeReplayed = "replayed"
)

// Error codes added by the socket layer on top of the hub's rejection reasons.
const (
	ErrorRateLimited = "rate_limited"
	ErrorBadMessage  = "bad_message"
)

var ErrUnknownType = errors.New("unknown message type")

// ClientMessage is anything a client sends. An empty Type means a stroke.
type ClientMessage struct {
	Type    string  `json:"type,omitempty"`
	PrevX   float64 `json:"prevX"`
	PrevY   float64 `json:"prevY"`
	CurrX   float64 `json:"currX"`
	CurrY   float64 `json:"currY"`
	Color   string  `json:"color"`
	Ink     *int64  `json:"ink,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

type StrokeMessage struct {
	Type   string  `json:"type"`
	Seq    uint64  `json:"seq"`
	PrevX  float64 `json:"prevX"`
	PrevY  float64 `json:"prevY"`
	CurrX  float64 `json:"currX"`
	CurrY  float64 `json:"currY"`
	Color  string  `json:"color"`
	Author string  `json:"author"`
	TS     string  `json:"ts"`
	// Ink is only set on the submitter's acknowledgment.
	Ink *int64 `json:"ink,omitempty"`
}

type InkMessage struct {
	Type string `json:"type"`
	Ink  int64  `json:"ink"`
}

type ErrorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type ReplayedMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

func Stroke(rec strokes.Record, ink *int64) StrokeMessage {
	return StrokeMessage{
		Type:   TypeStroke,
		Seq:    rec.Seq,
		PrevX:  rec.PrevX,
		PrevY:  rec.PrevY,
		CurrX:  rec.CurrX,
		CurrY:  rec.CurrY,
		Color:  rec.Color,
		Author: rec.AuthorID,
		TS:     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Ink:    ink,
	}
}

func Ink(balance int64) InkMessage { return InkMessage{Type: TypeInk, Ink: balance} }

func Error(code, detail string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: code, Detail: detail}
}

func Replayed(seq uint64) ReplayedMessage { return ReplayedMessage{Type: TypeReplayed, Seq: seq} }

// Codec frames messages for one subprotocol.
type Codec interface {
	Subprotocol() string
	// FrameType is the websocket message type used for every frame.
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) FrameType() int                     { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Subprotocol() string                  { return SubprotocolCBOR }
func (cborCodec) FrameType() int                       { return websocket.BinaryMessage }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var (
	JSON Codec = jsonCodec{}
	CBOR Codec
)

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: enc, dec: dec}
}

// Subprotocols lists what the server offers, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// ForSubprotocol returns the codec for a negotiated subprotocol. Anything unrecognised, including
// no subprotocol at all, gets JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// DecodeClient parses one client frame and normalises its type.
func DecodeClient(c Codec, data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := c.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}
	switch msg.Type {
	case "":
		msg.Type = TypeStroke
	case TypeStroke:
	case TypeDrawing:
		if msg.Enabled == nil {
			return ClientMessage{}, errors.New("drawing message requires enabled")
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}
