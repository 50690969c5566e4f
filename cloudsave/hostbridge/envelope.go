package hostbridge

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/splatworks/storagekit/cloudsave/network"
)

// Envelope types exchanged with the embedding host.
const (
	TypeRequestUploadTargets     = "requestUploadTargets"
	TypeUploadTargets            = "uploadTargets"
	TypeMultipartUploadComplete  = "multipartUploadComplete"
	TypeMultipartUploadConfirmed = "multipartUploadConfirmed"
)

// maxStringEncodingDepth bounds how many times a payload may be wrapped in a JSON string.
const maxStringEncodingDepth = 2

// Envelope is the message shape on the host channel.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data interface{}) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// ErrorMessage returns the error the envelope carries, either at the top level or inside data.
func (e Envelope) ErrorMessage() string {
	if msg := errorText(e.Error); msg != "" {
		return msg
	}
	var data struct {
		Error json.RawMessage `json:"error"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &data) != nil {
		return ""
	}
	return errorText(data.Error)
}

func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}

	return string(raw)
}

// DecodeEnvelope turns whatever arrived on the channel into an Envelope. Payloads may be
// pre-parsed (Envelope, map) or JSON text (string, []byte), possibly string-encoded JSON.
// It reports false for anything that is not an object with a type.
func DecodeEnvelope(payload interface{}) (Envelope, bool) {
	return decodeEnvelope(payload, 0)
}

func decodeEnvelope(payload interface{}, depth int) (Envelope, bool) {
	switch v := payload.(type) {
	case nil:
		return Envelope{}, false
	case Envelope:
		return v, v.Type != ""
	case *Envelope:
		if v == nil {
			return Envelope{}, false
		}
		return *v, v.Type != ""
	case string:
		return decodeJSONEnvelope([]byte(v), depth)
	case []byte:
		return decodeJSONEnvelope(v, depth)
	case json.RawMessage:
		return decodeJSONEnvelope(v, depth)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, false
		}
		return decodeJSONEnvelope(raw, depth)
	}
}

func decodeJSONEnvelope(raw []byte, depth int) (Envelope, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Envelope{}, false
	}

	switch raw[0] {
	case '"':
		if depth >= maxStringEncodingDepth {
			return Envelope{}, false
		}
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Envelope{}, false
		}
		return decodeEnvelope(inner, depth+1)
	case '{':
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Envelope{}, false
		}
		if env.Type == "" {
			return Envelope{}, false
		}
		return env, true
	default:
		return Envelope{}, false
	}
}

type requestUploadTargetsData struct {
	FileName      string `json:"fileName"`
	NumberOfParts int    `json:"numberOfParts"`
}

type uploadTargetsData struct {
	AssetID       string   `json:"assetId"`
	Key           string   `json:"key"`
	UploadID      string   `json:"uploadId"`
	PresignedURLs []string `json:"presignedUrls"`
}

func (d uploadTargetsData) session() network.Session {
	return network.Session{
		AssetID:         d.AssetID,
		ObjectKey:       d.Key,
		UploadID:        d.UploadID,
		TargetAddresses: d.PresignedURLs,
	}
}

func newUploadTargetsData(s network.Session) uploadTargetsData {
	return uploadTargetsData{
		AssetID:       s.AssetID,
		Key:           s.ObjectKey,
		UploadID:      s.UploadID,
		PresignedURLs: s.TargetAddresses,
	}
}

type multipartUploadCompleteData struct {
	AssetID  string               `json:"assetId"`
	Key      string               `json:"key"`
	UploadID string               `json:"uploadId"`
	Parts    []network.PartResult `json:"parts"`
}

type multipartUploadConfirmedData struct {
	Success interface{} `json:"success"`
}

// confirmed reports whether success is the boolean true, not merely truthy.
func (d multipartUploadConfirmedData) confirmed() bool {
	b, ok := d.Success.(bool)
	return ok && b
}
