package wire

import (
	"fmt"
	"io"
)

// Stream encodes envelopes onto a connection and decodes them back.
//
// Record envelopes use the stream's codec. Every other envelope is JSON so a peer can
// always read the handshake and control traffic. Send and Receive may run on separate
// goroutines, but each must have a single caller.
type Stream struct {
	rw                io.ReadWriter
	codec             Codec
	compressThreshold int
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithCodec sets the codec used for record envelopes.
func WithCodec(codec Codec) StreamOption {
	return func(s *Stream) {
		s.codec = codec
	}
}

// WithCompressThreshold compresses payloads of at least n bytes. Zero disables compression.
func WithCompressThreshold(n int) StreamOption {
	return func(s *Stream) {
		s.compressThreshold = n
	}
}

// NewStream wraps rw. The default codec is JSON with compression off.
func NewStream(rw io.ReadWriter, options ...StreamOption) *Stream {
	s := &Stream{rw: rw, codec: JSON}
	for _, option := range options {
		option(s)
	}
	return s
}

// SetCodec switches the record codec, normally once the hello exchange is done.
func (s *Stream) SetCodec(codec Codec) {
	s.codec = codec
}

// Codec returns the record codec.
func (s *Stream) Codec() Codec {
	return s.codec
}

// Send encodes env into a single frame.
func (s *Stream) Send(env *Envelope) error {
	codec := JSON
	if env.Type == TypeRecord {
		codec = s.codec
	}

	payload, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s envelope : %w", env.Type, err)
	}

	flags := codec.flags()
	if s.compressThreshold > 0 && len(payload) >= s.compressThreshold {
		if compressed, ok := compress(payload); ok {
			payload = compressed
			flags |= FlagZstd
		}
	}
	return WriteFrame(s.rw, flags, payload)
}

// Receive reads and decodes the next envelope. Payloads that do not decode are
// reported as ErrFrameCorrupt.
func (s *Stream) Receive() (*Envelope, error) {
	flags, payload, err := ReadFrame(s.rw)
	if err != nil {
		return nil, err
	}

	if flags&FlagZstd != 0 {
		if payload, err = decompress(payload); err != nil {
			return nil, err
		}
	}

	var env Envelope
	if err := codecForFlags(flags).Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope : %w : %w", ErrFrameCorrupt, err)
	}
	if env.V > SchemaVersion {
		return nil, fmt.Errorf("envelope version %d : %w", env.V, ErrUnsupportedVersion)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope without type : %w", ErrFrameCorrupt)
	}
	return &env, nil
}
