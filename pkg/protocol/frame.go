package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxPayloadSize is the maximum allowed payload size (1 MB)
	MaxPayloadSize = 1024 * 1024
)

// Frame type tags (1 byte on the wire)
const (
	TypeLogin        = 0x00
	TypeRegisterUser = 0x01
	TypeForwardMsg   = 0x02
	TypeInstruction  = 0x03
	TypeReturnMsg    = 0x04

	// TypeError never appears on the wire; the client driver synthesizes it
	// when the connection drops mid-listen.
	TypeError = 0x05
)

// Instruction codes (4 bytes big-endian, payload of TypeInstruction frames)
const (
	InstructionDeleteSelf        uint32 = 0
	InstructionChangePassword    uint32 = 1
	InstructionGetAllUsers       uint32 = 2
	InstructionGetAllOnlineUsers uint32 = 3
	InstructionHeartbeatAck      uint32 = 4
	InstructionLogout            uint32 = 5
)

var (
	ErrUnknownType   = errors.New("unknown frame type")
	ErrShortRead     = errors.New("stream closed mid-frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (1 MB)")
)

// Frame represents one decoded protocol message.
//
// Wire format for login/register_user/forward_msg/return_msg:
//
//	[Type (1 byte)][Length (4 bytes BE)][Payload (Length bytes)]
//
// Wire format for instruction:
//
//	[Type (1 byte)][Code (4 bytes BE)]
//
// with change_password additionally carrying [Length (4 bytes BE)][Payload].
//
// Frames are immutable once constructed.
type Frame struct {
	Type        uint8
	Instruction uint32 // Only meaningful for TypeInstruction
	Payload     []byte
}

// EncodeFrame writes a frame to the writer. It never fails for a well-formed
// frame on a healthy writer.
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	switch f.Type {
	case TypeLogin, TypeRegisterUser, TypeForwardMsg, TypeReturnMsg:
		if err := WriteUint8(w, f.Type); err != nil {
			return err
		}
		if err := WriteUint32(w, uint32(len(f.Payload))); err != nil {
			return err
		}
		if len(f.Payload) > 0 {
			if _, err := w.Write(f.Payload); err != nil {
				return err
			}
		}
		return nil

	case TypeInstruction:
		if err := WriteUint8(w, f.Type); err != nil {
			return err
		}
		if err := WriteUint32(w, f.Instruction); err != nil {
			return err
		}
		// Only change_password carries a payload
		if f.Instruction == InstructionChangePassword {
			if err := WriteUint32(w, uint32(len(f.Payload))); err != nil {
				return err
			}
			if len(f.Payload) > 0 {
				if _, err := w.Write(f.Payload); err != nil {
					return err
				}
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: 0x%02X", ErrUnknownType, f.Type)
	}
}

// DecodeFrame reads one complete frame from the reader, blocking until it is
// available or the stream fails. A stream that closes mid-frame yields
// ErrShortRead; the caller must abandon the connection (partial frames are
// never buffered across calls).
func DecodeFrame(r io.Reader) (*Frame, error) {
	tag, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeLogin, TypeRegisterUser, TypeForwardMsg, TypeReturnMsg:
		payload, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: tag, Payload: payload}, nil

	case TypeInstruction:
		code, err := ReadUint32(r)
		if err != nil {
			return nil, shortRead(err)
		}
		f := &Frame{Type: tag, Instruction: code}
		if code == InstructionChangePassword {
			payload, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			f.Payload = payload
		}
		return f, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, tag)
	}
}

// readLengthPrefixed reads a 4-byte big-endian length followed by that many
// payload bytes.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, shortRead(err)
	}
	if length > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, shortRead(err)
		}
	}
	return payload, nil
}

// shortRead maps a mid-frame stream failure to ErrShortRead. A clean EOF
// before the first byte of a frame is not a short read and passes through.
func shortRead(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return err
}

// EncodeBytes encodes a frame to a byte slice.
func EncodeBytes(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes decodes a single frame from a byte slice.
func DecodeBytes(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}
