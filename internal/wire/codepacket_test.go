package wire

import (
	"testing"

	"github.com/amken3d/sbclinkd/internal/code"
)

func TestEncodeDecodeCodeRoundTrip(t *testing.T) {
	c := &code.Code{
		Channel: code.File,
		Type:    code.TypeGCode,
		Major:   1,
		Minor:   -1,
		Parameters: []code.Parameter{
			{Letter: 'X', Value: "10.5"},
			{Letter: 'Y', Value: "-20"},
		},
	}

	body := EncodeCode(c)
	if len(body) != EncodedCodeLength(c) {
		t.Fatalf("EncodedCodeLength mismatch: got %d, encoded %d", EncodedCodeLength(c), len(body))
	}

	decoded, err := DecodeCode(body)
	if err != nil {
		t.Fatalf("DecodeCode error: %v", err)
	}
	if decoded.Channel != c.Channel || decoded.Type != c.Type || decoded.Major != c.Major || decoded.Minor != c.Minor {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if len(decoded.Parameters) != 2 || decoded.Parameters[0].Value != "10.5" || decoded.Parameters[1].Value != "-20" {
		t.Errorf("parameters mismatch: %+v", decoded.Parameters)
	}
}

func TestEncodedCodeLengthNoParams(t *testing.T) {
	c := &code.Code{Type: code.TypeMCode, Major: 400, Minor: -1}
	if got, want := EncodedCodeLength(c), len(EncodeCode(c)); got != want {
		t.Errorf("EncodedCodeLength = %d, want %d", got, want)
	}
}
