// Package wire defines the framed stream exchanged between a producer and a viewer.
//
// Every frame starts with an 8-byte little-endian header. The low 56 bits hold the
// payload length and the top byte holds the frame flags. The payload is one encoded
// Envelope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// HeaderSize is the length of the frame header in bytes.
	HeaderSize = 8
	// MaxPayload is the largest payload accepted, before or after decompression.
	MaxPayload = 50_000_000

	lengthMask = 1<<56 - 1
)

// Flags describe how a frame payload is encoded.
type Flags byte

const (
	FlagZstd Flags = 1 << iota // payload is zstd compressed
	FlagCBOR                   // envelope is CBOR, otherwise JSON

	knownFlags = FlagZstd | FlagCBOR
)

var (
	// ErrFrameCorrupt is returned for frames with an invalid header or a truncated payload.
	// A corrupt frame ends the connection.
	ErrFrameCorrupt = errors.New("corrupt frame")
	// ErrFrameTooLarge is returned when a payload is empty or exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("frame payload out of range")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayload))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteFrame writes the header and payload with a single Write call.
func WriteFrame(w io.Writer, flags Flags, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return fmt.Errorf("writing %d byte frame : %w", len(payload), ErrFrameTooLarge)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(payload))|uint64(flags)<<56)
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame : %w", err)
	}
	return nil
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends cleanly between
// frames. Compressed payloads are returned still compressed.
func ReadFrame(r io.Reader) (Flags, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("reading frame header : %w", ErrFrameCorrupt)
		}
		return 0, nil, err
	}

	raw := binary.LittleEndian.Uint64(header[:])
	length := raw & lengthMask
	flags := Flags(raw >> 56)

	if length == 0 || length > MaxPayload {
		return 0, nil, fmt.Errorf("frame length %d : %w", length, ErrFrameCorrupt)
	}
	if flags&^knownFlags != 0 {
		return 0, nil, fmt.Errorf("frame flags %#x : %w", byte(flags), ErrFrameCorrupt)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("reading frame payload : %w", ErrFrameCorrupt)
		}
		return 0, nil, err
	}
	return flags, payload, nil
}

// compress returns the zstd form of payload, or ok=false when it does not get smaller.
func compress(payload []byte) ([]byte, bool) {
	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return nil, false
	}
	return compressed, true
}

func decompress(payload []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing frame : %w : %w", ErrFrameCorrupt, err)
	}
	if len(out) == 0 || len(out) > MaxPayload {
		return nil, fmt.Errorf("decompressed length %d : %w", len(out), ErrFrameCorrupt)
	}
	return out, nil
}
