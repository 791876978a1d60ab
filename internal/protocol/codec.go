package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is returned for frames that do not decode to a message.
var ErrMalformed = errors.New("protocol: malformed message")

// Codec turns messages into frames. Binary codecs travel in WebSocket
// binary frames, the others in text frames.
type Codec interface {
	Name() string
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName resolves the codec a client asked for. An empty name is
// JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return msg, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{MaxArrayElements: 1 << 16}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (cborCodec) Encode(msg Message) ([]byte, error) {
	data, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return data, nil
}

func (cborCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := cborDec.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	// presence fields are relayed to JSON clients too
	for _, entry := range msg.Entries {
		if !entry.Removed() && !json.Valid(entry.Fields) {
			return Message{}, fmt.Errorf("%w: presence fields for replica %d are not JSON", ErrMalformed, entry.ReplicaID)
		}
	}
	return msg, nil
}
