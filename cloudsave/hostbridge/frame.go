package hostbridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// FrameFormat selects how outbound messages are written on a WebSocket.
// Inbound frames are accepted in either format.
type FrameFormat int

const (
	// FrameJSON writes text frames holding {"source": ..., "data": ...}.
	FrameJSON FrameFormat = iota
	// FrameMsgpack writes binary frames holding the same map, msgpack encoded.
	FrameMsgpack
)

type outboundFrame struct {
	Source string      `json:"source,omitempty" msgpack:"source,omitempty"`
	Data   interface{} `json:"data" msgpack:"data"`
}

type inboundJSONFrame struct {
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

type inboundMsgpackFrame struct {
	Source string      `msgpack:"source"`
	Data   interface{} `msgpack:"data"`
}

func encodeFrame(format FrameFormat, msg Message) (int, []byte, error) {
	switch format {
	case FrameMsgpack:
		data, err := toGeneric(msg.Data)
		if err != nil {
			return 0, nil, err
		}
		payload, err := msgpack.Marshal(outboundFrame{Source: msg.Source, Data: data})
		if err != nil {
			return 0, nil, err
		}
		return websocket.BinaryMessage, payload, nil
	default:
		payload, err := json.Marshal(outboundFrame{Source: msg.Source, Data: msg.Data})
		if err != nil {
			return 0, nil, err
		}
		return websocket.TextMessage, payload, nil
	}
}

// toGeneric converts typed payloads (Envelope holds raw JSON) into plain maps and slices
// msgpack can encode field by field.
func toGeneric(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFrame reads a frame written by encodeFrame. A frame without a data member is
// delivered as is, so peers may also send bare envelopes.
func decodeFrame(messageType int, payload []byte) (Message, error) {
	switch messageType {
	case websocket.TextMessage:
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var f inboundJSONFrame
			if err := json.Unmarshal(trimmed, &f); err == nil && len(f.Data) > 0 {
				return Message{Source: f.Source, Data: f.Data}, nil
			}
		}
		return Message{Data: json.RawMessage(trimmed)}, nil
	case websocket.BinaryMessage:
		var f inboundMsgpackFrame
		if err := msgpack.Unmarshal(payload, &f); err == nil && f.Data != nil {
			return Message{Source: f.Source, Data: f.Data}, nil
		}
		var bare interface{}
		if err := msgpack.Unmarshal(payload, &bare); err != nil {
			return Message{}, fmt.Errorf("decode binary frame: %w", err)
		}
		return Message{Data: bare}, nil
	default:
		return Message{}, fmt.Errorf("unsupported frame type %d", messageType)
	}
}
