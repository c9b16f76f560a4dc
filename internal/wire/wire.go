// Package wire implements the fixed-layout frame header used by the session
// client and the chunk/control protocols carried over it.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the exact on-wire size of a Header in bytes.
const HeaderSize = 16

// CurrentVersion is the only protocol version this client speaks.
const CurrentVersion uint8 = 1

// Opcode identifies the kind of message carried by a frame.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpNopReply
	OpLogin
	OpLoginReply
	OpExists
	OpExistsReply
	OpRead
	OpReadReply
	OpWrite
	OpWriteReply
	OpXML
	OpXMLReply
)

var opcodeNames = map[Opcode]string{
	OpNop: "NOP", OpNopReply: "NOP_REPLY",
	OpLogin: "LOGIN", OpLoginReply: "LOGIN_REPLY",
	OpExists: "EXISTS", OpExistsReply: "EXISTS_REPLY",
	OpRead: "READ", OpReadReply: "READ_REPLY",
	OpWrite: "WRITE", OpWriteReply: "WRITE_REPLY",
	OpXML: "XML", OpXMLReply: "XML_REPLY",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// replyPairs is the closed set of request->reply opcode pairs (§4.1).
var replyPairs = map[Opcode]Opcode{
	OpNop:    OpNopReply,
	OpLogin:  OpLoginReply,
	OpExists: OpExistsReply,
	OpRead:   OpReadReply,
	OpWrite:  OpWriteReply,
	OpXML:    OpXMLReply,
}

// PairWithReply returns the reply opcode paired with a request opcode, and
// false if reqOp is not a known request opcode.
func PairWithReply(reqOp Opcode) (Opcode, bool) {
	reply, ok := replyPairs[reqOp]
	return reply, ok
}

func isKnownOpcode(op Opcode) bool {
	if _, ok := opcodeNames[op]; ok {
		return true
	}
	return false
}

// Status is the reply status carried in a Header.
type Status uint8

const (
	StatusOK Status = iota
	StatusDoesntExist
	StatusExists
	StatusInvalidDigest
	StatusLoginFailed
	StatusPermission
	StatusBadXML
	StatusAdminCmdFailed
)

// Flag bits, per §4.1. Bits 12-15 carry the compression family.
type Flag uint16

const (
	FlagVerifyDigest Flag = 1 << 0
	FlagMetadata     Flag = 1 << 1
	FlagCBOwn        Flag = 1 << 2
	FlagXMLReply     Flag = 1 << 3
	FlagEncrypted    Flag = 1 << 4

	compressionShift = 12
	compressionMask  = 0xF << compressionShift

	// validFlagMask rejects headers with reserved bits set.
	validFlagMask = FlagVerifyDigest | FlagMetadata | FlagCBOwn | FlagXMLReply | FlagEncrypted | compressionMask
)

// CompressionFamily identifies the negotiated bulk compressor, per §4.1/§6.
type CompressionFamily uint8

const (
	CompressionNone CompressionFamily = iota
	CompressionLZO
	CompressionLZW
	CompressionLZMA
)

// Compression extracts the compression family encoded in bits 12-15.
func (f Flag) Compression() CompressionFamily {
	return CompressionFamily((uint16(f) & compressionMask) >> compressionShift)
}

// WithCompression returns f with its compression family bits replaced.
func (f Flag) WithCompression(c CompressionFamily) Flag {
	return Flag(uint16(f)&^compressionMask) | Flag(uint16(c)<<compressionShift)
}

// Header is the fixed 16-byte frame header prefixing every message.
type Header struct {
	Version   uint8
	Opcode    Opcode
	Status    Status
	ExStatus  uint8
	Tag       uint32
	Size      uint32
	Flags     Flag
	Reserved  uint16
}

// MaxPayload bounds Size: chunk max plus headroom for crypto/compression
// expansion (AES-GCM tag, frame overhead).
const MaxPayload = 1<<20 + 4096

// Marshal serializes h into a 16-byte big-endian buffer.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version
	buf[1] = uint8(h.Opcode)
	buf[2] = uint8(h.Status)
	buf[3] = h.ExStatus
	binary.BigEndian.PutUint32(buf[4:8], h.Tag)
	binary.BigEndian.PutUint32(buf[8:12], h.Size)
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.Flags))
	binary.BigEndian.PutUint16(buf[14:16], h.Reserved)
	return buf
}

// Unmarshal decodes and validates a 16-byte header per the contract in §4.1:
// version must be supported, opcode must be known, reserved flag bits must be
// clear, and size must not exceed MaxPayload.
func Unmarshal(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	h := Header{
		Version:  buf[0],
		Opcode:   Opcode(buf[1]),
		Status:   Status(buf[2]),
		ExStatus: buf[3],
		Tag:      binary.BigEndian.Uint32(buf[4:8]),
		Size:     binary.BigEndian.Uint32(buf[8:12]),
		Flags:    Flag(binary.BigEndian.Uint16(buf[12:14])),
		Reserved: binary.BigEndian.Uint16(buf[14:16]),
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("wire: unsupported version %d", h.Version)
	}
	if !isKnownOpcode(h.Opcode) {
		return Header{}, fmt.Errorf("wire: unknown opcode %d", h.Opcode)
	}
	if uint16(h.Flags)&^uint16(validFlagMask) != 0 {
		return Header{}, fmt.Errorf("wire: reserved flag bits set: %#x", h.Flags)
	}
	if h.Size > MaxPayload {
		return Header{}, fmt.Errorf("wire: frame size %d exceeds max %d", h.Size, MaxPayload)
	}
	return h, nil
}
