package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB), excluding the length prefix
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// frameHeaderSize is version + type + flags
	frameHeaderSize = 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 compressed payload
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion       = errors.New("invalid protocol version")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one length-delimited envelope on the stream.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
// Length counts everything after itself, so a reader always knows how many
// bytes belong to the current envelope no matter how the transport splits
// or merges writes.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// NewFrame builds a frame at the current protocol version.
func NewFrame(msgType uint8, payload []byte) *Frame {
	return &Frame{
		Version: ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}

	total := 4 + n
	if total >= len(data) {
		return data, false
	}
	return compressed[:total], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// MarshalFrame encodes a frame into a single byte slice, compressing the
// payload when it is large enough and compression actually helps.
func MarshalFrame(f *Frame) ([]byte, error) {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(frameHeaderSize + len(payload))
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[7:], payload)
	return buf, nil
}

// EncodeFrame writes a frame to w with one Write call, so message-oriented
// transports (WebSocket) see one message per frame.
func EncodeFrame(w io.Writer, f *Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeFrame reads exactly one frame from r.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	f := &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
		Payload: body[frameHeaderSize:],
	}

	if f.Version == 0 || f.Version > ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	if f.Flags&FlagCompressed != 0 && len(f.Payload) > 0 {
		payload, err := DecompressPayload(f.Payload)
		if err != nil {
			return nil, err
		}
		f.Payload = payload
		f.Flags &^= FlagCompressed
	}

	return f, nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
