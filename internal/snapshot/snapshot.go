// Package snapshot wraps an encoded document state for durable storage.
//
// An envelope records the compression used for the body, the size and
// blake3 digest of the uncompressed state, and when it was taken. Decode
// refuses any blob whose body does not reproduce the recorded digest, so
// a torn or foreign write is never applied to a room.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// ErrCorrupt is returned when a blob is not a valid envelope or its body
// fails verification.
var ErrCorrupt = errors.New("snapshot: corrupt envelope")

const envelopeVersion = 1

type envelope struct {
	Version     int    `cbor:"v"`
	Compression string `cbor:"alg"`
	Size        int    `cbor:"size"`
	SavedAt     int64  `cbor:"at"`
	Digest      []byte `cbor:"digest"`
	Body        []byte `cbor:"body"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: cbor encoder: " + err.Error())
	}
}

// Codec encodes envelopes with a fixed compression algorithm. Decoding
// accepts any algorithm.
type Codec struct {
	compression Compression
}

// NewCodec returns a codec compressing with c.
func NewCodec(c Compression) *Codec {
	return &Codec{compression: c}
}

// Encode wraps state. State that does not shrink is stored uncompressed.
// State larger than Decode accepts is refused.
func (c *Codec) Encode(state []byte, savedAt time.Time) ([]byte, error) {
	if len(state) > maxStateSize {
		return nil, fmt.Errorf("encode snapshot: state is %d bytes, limit %d", len(state), maxStateSize)
	}
	digest := blake3.Sum256(state)
	alg := c.compression
	body, err := compress(state, alg)
	if errors.Is(err, errIncompressible) {
		alg, body = None, state
	} else if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(envelope{
		Version:     envelopeVersion,
		Compression: alg.String(),
		Size:        len(state),
		SavedAt:     savedAt.UnixMilli(),
		Digest:      digest[:],
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode verifies blob and returns the document state and its timestamp.
func (c *Codec) Decode(blob []byte) ([]byte, time.Time, error) {
	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	alg, err := ParseCompression(env.Compression)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	state, err := decompress(env.Body, alg, env.Size)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	digest := blake3.Sum256(state)
	if !bytes.Equal(digest[:], env.Digest) {
		return nil, time.Time{}, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return state, time.UnixMilli(env.SavedAt).UTC(), nil
}
