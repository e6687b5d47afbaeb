package parcel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// MaxFrameSize bounds the size of a single parcel on the wire. Registration
// traffic is tiny, so anything close to the limit indicates a broken peer.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame size exceeds limit")
	ErrEmptyFrame    = errors.New("empty frame")
)

var msgpack = &codec.MsgpackHandle{}

// Marshal encodes a parcel into its wire representation.
func Marshal(p *Parcel) ([]byte, error) {
	var buf bytes.Buffer

	if err := codec.NewEncoder(&buf, msgpack).Encode(p); err != nil {
		return nil, fmt.Errorf("encode parcel: %w", err)
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a parcel from its wire representation.
func Unmarshal(data []byte, p *Parcel) error {
	if err := codec.NewDecoder(bytes.NewReader(data), msgpack).Decode(p); err != nil {
		return fmt.Errorf("decode parcel: %w", err)
	}

	return nil
}

// EncodeRegistration encodes a registration payload.
func EncodeRegistration(r *Registration) ([]byte, error) {
	return encode(r)
}

// DecodeRegistration decodes a registration payload.
func DecodeRegistration(data []byte) (*Registration, error) {
	r := &Registration{}
	if err := decode(data, r); err != nil {
		return nil, err
	}

	return r, nil
}

// EncodeAck encodes an acknowledgment payload.
func EncodeAck(a *Ack) ([]byte, error) {
	return encode(a)
}

// DecodeAck decodes an acknowledgment payload.
func DecodeAck(data []byte) (*Ack, error) {
	a := &Ack{}
	if err := decode(data, a); err != nil {
		return nil, err
	}

	return a, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer

	if err := codec.NewEncoder(&buf, msgpack).Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}

	if err := codec.NewDecoder(bytes.NewReader(data), msgpack).Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	return nil
}

// WriteFrame writes a length-prefixed frame to the writer. The body is written
// in a single Write call, so a locked writer observes one frame at a time.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}

	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame reads a single length-prefixed frame from the reader.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])

	if size == 0 {
		return nil, ErrEmptyFrame
	}

	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}
