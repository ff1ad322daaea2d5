package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/amken3d/sbclinkd/internal/code"
)

// This file defines the body layouts for the firmware-originated request
// types the Packet Router switches on. Each is a small,
// fixed-prefix-plus-variable-tail struct.

// CodeReplyFlags carries the Push/Final distinction.
type CodeReplyFlags struct {
	Push  bool
	Final bool
}

// CodeReplyBody is the decoded payload of a ReqCodeReply packet.
type CodeReplyBody struct {
	Channel  code.Channel
	Severity code.Severity
	Content  string
	Flags    CodeReplyFlags
}

func EncodeCodeReply(b CodeReplyBody) []byte {
	var flags byte
	if b.Flags.Push {
		flags |= 1
	}
	if b.Flags.Final {
		flags |= 2
	}
	buf := make([]byte, 0, 6+len(b.Content))
	buf = append(buf, byte(b.Channel), flags, byte(b.Severity))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.Content)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b.Content...)
	return buf
}

func DecodeCodeReply(buf []byte) (CodeReplyBody, error) {
	if len(buf) < 5 {
		return CodeReplyBody{}, fmt.Errorf("wire: CodeReply body too short")
	}
	b := CodeReplyBody{
		Channel:  code.Channel(buf[0]),
		Severity: code.Severity(buf[2]),
	}
	b.Flags.Push = buf[1]&1 != 0
	b.Flags.Final = buf[1]&2 != 0
	n := int(binary.LittleEndian.Uint16(buf[3:5]))
	if 5+n > len(buf) {
		return CodeReplyBody{}, fmt.Errorf("wire: truncated CodeReply content")
	}
	b.Content = string(buf[5 : 5+n])
	return b, nil
}

// MacroRequestBody is the decoded payload of a ReqMacroRequest packet.
type MacroRequestBody struct {
	Channel       code.Channel
	OpeningCodeID uint16 // 0xFFFF sentinel means system-initiated, no opening code
	ReportMissing bool
	Filename      string
}

const NoOpeningCode = 0xFFFF

func EncodeMacroRequest(b MacroRequestBody) []byte {
	buf := make([]byte, 0, 6+len(b.Filename))
	buf = append(buf, byte(b.Channel))
	var idBuf [2]byte
	binary.LittleEndian.PutUint16(idBuf[:], b.OpeningCodeID)
	buf = append(buf, idBuf[:]...)
	report := byte(0)
	if b.ReportMissing {
		report = 1
	}
	buf = append(buf, report)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.Filename)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b.Filename...)
	return buf
}

func DecodeMacroRequest(buf []byte) (MacroRequestBody, error) {
	if len(buf) < 6 {
		return MacroRequestBody{}, fmt.Errorf("wire: MacroRequest body too short")
	}
	b := MacroRequestBody{
		Channel:       code.Channel(buf[0]),
		OpeningCodeID: binary.LittleEndian.Uint16(buf[1:3]),
		ReportMissing: buf[3] != 0,
	}
	n := int(binary.LittleEndian.Uint16(buf[4:6]))
	if 6+n > len(buf) {
		return MacroRequestBody{}, fmt.Errorf("wire: truncated MacroRequest filename")
	}
	b.Filename = string(buf[6 : 6+n])
	return b, nil
}

// AbortFileBody is the decoded payload of a ReqAbortFile packet.
type AbortFileBody struct {
	Channel  code.Channel
	AbortAll bool
}

func EncodeAbortFile(b AbortFileBody) []byte {
	all := byte(0)
	if b.AbortAll {
		all = 1
	}
	return []byte{byte(b.Channel), all}
}

func DecodeAbortFile(buf []byte) (AbortFileBody, error) {
	if len(buf) < 2 {
		return AbortFileBody{}, fmt.Errorf("wire: AbortFile body too short")
	}
	return AbortFileBody{Channel: code.Channel(buf[0]), AbortAll: buf[1] != 0}, nil
}

// PrintPausedBody is the decoded payload of a ReqPrintPaused packet.
type PrintPausedBody struct {
	Offset int64
	Reason byte
}

func EncodePrintPaused(b PrintPausedBody) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(b.Offset))
	buf[8] = b.Reason
	return buf
}

func DecodePrintPaused(buf []byte) (PrintPausedBody, error) {
	if len(buf) < 9 {
		return PrintPausedBody{}, fmt.Errorf("wire: PrintPaused body too short")
	}
	return PrintPausedBody{
		Offset: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Reason: buf[8],
	}, nil
}

// StackEventBody is the decoded payload of a ReqStackEvent packet.
type StackEventBody struct {
	Channel code.Channel
	Depth   uint16
}

func EncodeStackEvent(b StackEventBody) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(b.Channel)
	binary.LittleEndian.PutUint16(buf[1:3], b.Depth)
	return buf
}

func DecodeStackEvent(buf []byte) (StackEventBody, error) {
	if len(buf) < 3 {
		return StackEventBody{}, fmt.Errorf("wire: StackEvent body too short")
	}
	return StackEventBody{Channel: code.Channel(buf[0]), Depth: binary.LittleEndian.Uint16(buf[1:3])}, nil
}

// ObjectModelBody is the decoded payload of a ReqObjectModel packet: a
// slash-separated path followed by a raw JSON payload.
type ObjectModelBody struct {
	Path    string
	Payload []byte
}

func EncodeObjectModel(b ObjectModelBody) []byte {
	buf := make([]byte, 0, 2+len(b.Path)+len(b.Payload))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.Path)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b.Path...)
	buf = append(buf, b.Payload...)
	return buf
}

func DecodeObjectModel(buf []byte) (ObjectModelBody, error) {
	if len(buf) < 2 {
		return ObjectModelBody{}, fmt.Errorf("wire: ObjectModel body too short")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if 2+n > len(buf) {
		return ObjectModelBody{}, fmt.Errorf("wire: truncated ObjectModel path")
	}
	return ObjectModelBody{Path: string(buf[2 : 2+n]), Payload: buf[2+n:]}, nil
}
