// Package wire implements the bit-exact SPI wire protocol: the fixed
// transfer header, the packet header, and 4-byte body padding. All
// integers are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	FormatVersion   = 1
	ProtocolVersion = 1

	TransferHeaderSize = 16
	PacketHeaderSize   = 8

	// BodySizeCap is the default per-direction body-size cap for one
	// transfer cycle.
	BodySizeCap = 8 * 1024
)

// TransferHeader is the fixed 16-byte header exchanged at the start of
// every transfer cycle.
type TransferHeader struct {
	FormatVersion   uint16
	ProtocolVersion uint16
	SequenceNumber  uint16
	DataLength      uint16
	ChecksumData    uint16
	ChecksumHeader  uint16
	// 4 reserved bytes, always zero.
}

// Encode writes the header into a 16-byte buffer, computing
// ChecksumHeader over the first 10 bytes (every field before
// ChecksumHeader, ChecksumData included; the reserved tail is not
// covered).
func (h *TransferHeader) Encode() []byte {
	buf := make([]byte, TransferHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.FormatVersion)
	binary.LittleEndian.PutUint16(buf[2:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[4:6], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[6:8], h.DataLength)
	binary.LittleEndian.PutUint16(buf[8:10], h.ChecksumData)
	h.ChecksumHeader = CRC16(buf[:10])
	binary.LittleEndian.PutUint16(buf[10:12], h.ChecksumHeader)
	// buf[12:16] stays zero (reserved).
	return buf
}

// DecodeTransferHeader parses a 16-byte buffer into a TransferHeader and
// reports whether its header checksum is valid.
func DecodeTransferHeader(buf []byte) (*TransferHeader, bool) {
	if len(buf) < TransferHeaderSize {
		return nil, false
	}
	h := &TransferHeader{
		FormatVersion:   binary.LittleEndian.Uint16(buf[0:2]),
		ProtocolVersion: binary.LittleEndian.Uint16(buf[2:4]),
		SequenceNumber:  binary.LittleEndian.Uint16(buf[4:6]),
		DataLength:      binary.LittleEndian.Uint16(buf[6:8]),
		ChecksumData:    binary.LittleEndian.Uint16(buf[8:10]),
		ChecksumHeader:  binary.LittleEndian.Uint16(buf[10:12]),
	}
	valid := CRC16(buf[:10]) == h.ChecksumHeader
	return h, valid
}

// RequestType is the closed, firmware-shared enumeration of inbound and
// outbound packet kinds.
type RequestType uint16

const (
	// Firmware -> SBC
	ReqObjectModel RequestType = iota
	ReqCodeReply
	ReqMacroRequest
	ReqAbortFile
	ReqStackEvent
	ReqPrintPaused
	ReqMessage
	ReqEvaluationResult
	// SBC -> Firmware
	ReqCode
	ReqGetObjectModel
	ReqSetObjectModel
	ReqResendPacket
	ReqFlush
)

// PacketHeader is the fixed 8-byte header prefixing every packet body.
type PacketHeader struct {
	RequestType     RequestType
	ID              uint16
	Length          uint16 // excludes 4-byte padding
	ResendPacketID  uint16
}

func (h *PacketHeader) Encode() []byte {
	buf := make([]byte, PacketHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.RequestType))
	binary.LittleEndian.PutUint16(buf[2:4], h.ID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], h.ResendPacketID)
	return buf
}

func DecodePacketHeader(buf []byte) (*PacketHeader, bool) {
	if len(buf) < PacketHeaderSize {
		return nil, false
	}
	return &PacketHeader{
		RequestType:    RequestType(binary.LittleEndian.Uint16(buf[0:2])),
		ID:             binary.LittleEndian.Uint16(buf[2:4]),
		Length:         binary.LittleEndian.Uint16(buf[4:6]),
		ResendPacketID: binary.LittleEndian.Uint16(buf[6:8]),
	}, true
}

// Packet is one framed (header, body) unit within a transfer's body.
type Packet struct {
	Header PacketHeader
	Body   []byte
}

// Padded4 returns n rounded up to the next multiple of 4.
func Padded4(n int) int {
	return (n + 3) &^ 3
}

// EncodePacket serialises a packet with its header and 4-byte-padded
// body. Header.Length is set to len(body), excluding padding.
func EncodePacket(reqType RequestType, id uint16, resendID uint16, body []byte) []byte {
	h := PacketHeader{RequestType: reqType, ID: id, Length: uint16(len(body)), ResendPacketID: resendID}
	out := make([]byte, 0, PacketHeaderSize+Padded4(len(body)))
	out = append(out, h.Encode()...)
	out = append(out, body...)
	padded := Padded4(len(body))
	if pad := padded - len(body); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// DecodePackets splits a transfer body into its constituent packets,
// stopping once fewer than PacketHeaderSize bytes remain.
func DecodePackets(body []byte) ([]Packet, error) {
	var packets []Packet
	for len(body) >= PacketHeaderSize {
		h, ok := DecodePacketHeader(body)
		if !ok {
			break
		}
		body = body[PacketHeaderSize:]
		padded := Padded4(int(h.Length))
		if padded > len(body) {
			return packets, errShortBody
		}
		pkt := Packet{Header: *h, Body: append([]byte(nil), body[:h.Length]...)}
		packets = append(packets, pkt)
		body = body[padded:]
	}
	return packets, nil
}

var errShortBody = errors.New("wire: packet body shorter than declared length")
