package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec names accepted in the hello exchange.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// ErrUnknownCodec is returned for codec names other than json and cbor.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec encodes envelopes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	flags() Flags
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) flags() Flags                       { return 0 }

// cborCodec uses Core Deterministic Encoding so equal envelopes produce equal bytes.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Name() string                       { return CodecCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (cborCodec) flags() Flags                         { return FlagCBOR }

var (
	// JSON is the default codec and the one used for every non-record envelope.
	JSON Codec = jsonCodec{}
	// CBOR is the optional binary codec for record envelopes.
	CBOR Codec = newCBORCodec()
)

// maxNestedLevels bounds CBOR nesting. Byte string sizes are already bounded by MaxPayload.
const maxNestedLevels = 64

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		// log context values decode into map[string]any like they do with JSON
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: maxNestedLevels,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("%q : %w", name, ErrUnknownCodec)
}

// Negotiate picks the codec for a session from the producer's proposal.
// Unknown proposals fall back to JSON.
func Negotiate(proposed string) Codec {
	codec, err := CodecByName(proposed)
	if err != nil {
		return JSON
	}
	return codec
}

func codecForFlags(flags Flags) Codec {
	if flags&FlagCBOR != 0 {
		return CBOR
	}
	return JSON
}
