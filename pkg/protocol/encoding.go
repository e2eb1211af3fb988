package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unicode/utf8"
)

var (
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	ErrInvalidBool   = errors.New("invalid bool encoding")
	ErrInvalidUTF8   = errors.New("string is not valid UTF-8")
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

// ReadBool accepts only 0 and 1.
func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// WriteString writes a uint16 length followed by the UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}

// WriteOptionalString writes a presence flag, then the string if present.
func WriteOptionalString(w io.Writer, s *string) error {
	if err := WriteBool(w, s != nil); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	return WriteString(w, *s)
}

func ReadOptionalString(r io.Reader) (*string, error) {
	present, err := ReadBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
