package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/amken3d/sbclinkd/internal/code"
)

// EncodeCode renders a Code packet body: the target channel, a
// type/major/minor header, and its ordered letter/value parameter list.
// The channel byte tells firmware which logical command queue to route
// this code into; the packet header alone does not identify it. Inline
// expressions are not resolved here: that resolution is lazy and
// happens against whatever evaluation context the firmware exposes,
// outside the core's concern.
func EncodeCode(c *code.Code) []byte {
	buf := make([]byte, 0, 17+len(c.Parameters)*8)

	buf = append(buf, byte(c.Channel), byte(c.Type))

	var majorMinor [8]byte
	binary.LittleEndian.PutUint32(majorMinor[0:4], uint32(int32(c.Major)))
	binary.LittleEndian.PutUint32(majorMinor[4:8], uint32(int32(c.Minor)))
	buf = append(buf, majorMinor[:]...)

	buf = append(buf, byte(len(c.Parameters)))
	for _, p := range c.Parameters {
		buf = append(buf, p.Letter)
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(p.Value)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p.Value...)
	}
	return buf
}

// EncodedCodeLength returns len(EncodeCode(c)) without allocating. Used
// by the Channel Processor's buffer-space accounting, which must know a
// code's encoded length before it is actually emitted.
func EncodedCodeLength(c *code.Code) int {
	n := 1 + 1 + 8 + 1
	for _, p := range c.Parameters {
		n += 1 + 2 + len(p.Value)
	}
	return n
}

// DecodeCode parses a Code packet body back into a code.Code. Offsets are
// not carried over the wire and must be supplied by the caller if needed.
func DecodeCode(buf []byte) (*code.Code, error) {
	if len(buf) < 11 {
		return nil, fmt.Errorf("wire: code body too short")
	}
	c := &code.Code{Channel: code.Channel(buf[0]), FileOffset: -1}
	c.Type = code.Type(buf[1])
	c.Major = int(int32(binary.LittleEndian.Uint32(buf[2:6])))
	c.Minor = int(int32(binary.LittleEndian.Uint32(buf[6:10])))
	n := int(buf[10])
	pos := 11
	for i := 0; i < n; i++ {
		if pos >= len(buf) {
			return nil, fmt.Errorf("wire: truncated code parameter list")
		}
		letter := buf[pos]
		pos++
		if pos+2 > len(buf) {
			return nil, fmt.Errorf("wire: truncated parameter length")
		}
		vlen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+vlen > len(buf) {
			return nil, fmt.Errorf("wire: truncated parameter value")
		}
		value := string(buf[pos : pos+vlen])
		pos += vlen
		c.Parameters = append(c.Parameters, code.Parameter{Letter: letter, Value: value})
	}
	return c, nil
}
