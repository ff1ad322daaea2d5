package gcode

import (
	"testing"

	"github.com/amken3d/sbclinkd/internal/code"
)

func TestScanLineBasicCommands(t *testing.T) {
	tests := []struct {
		input   string
		cmdType code.Type
		major   int
		minor   int
		params  map[byte]string
	}{
		{
			input:   "G1 X10 Y20",
			cmdType: code.TypeGCode,
			major:   1,
			minor:   -1,
			params:  map[byte]string{'X': "10", 'Y': "20"},
		},
		{
			input:   "G1 X100.5 Y200.25 F3000",
			cmdType: code.TypeGCode,
			major:   1,
			minor:   -1,
			params:  map[byte]string{'X': "100.5", 'Y': "200.25", 'F': "3000"},
		},
		{
			input:   "G28",
			cmdType: code.TypeGCode,
			major:   28,
			minor:   -1,
			params:  map[byte]string{},
		},
		{
			input:   "M104 S200",
			cmdType: code.TypeMCode,
			major:   104,
			minor:   -1,
			params:  map[byte]string{'S': "200"},
		},
		{
			input:   "G53.1 X0",
			cmdType: code.TypeGCode,
			major:   53,
			minor:   1,
			params:  map[byte]string{'X': "0"},
		},
	}

	for _, tc := range tests {
		c, err := ScanLine(tc.input, 0, int64(len(tc.input)+1), code.File)
		if err != nil {
			t.Fatalf("ScanLine(%q) error: %v", tc.input, err)
		}
		if c.Type != tc.cmdType {
			t.Errorf("%q: type = %v, want %v", tc.input, c.Type, tc.cmdType)
		}
		if c.Major != tc.major {
			t.Errorf("%q: major = %d, want %d", tc.input, c.Major, tc.major)
		}
		if c.Minor != tc.minor {
			t.Errorf("%q: minor = %d, want %d", tc.input, c.Minor, tc.minor)
		}
		if len(c.Parameters) != len(tc.params) {
			t.Fatalf("%q: got %d params, want %d", tc.input, len(c.Parameters), len(tc.params))
		}
		for _, p := range c.Parameters {
			want, ok := tc.params[p.Letter]
			if !ok {
				t.Errorf("%q: unexpected parameter %c", tc.input, p.Letter)
			}
			if p.Value != want {
				t.Errorf("%q: param %c = %q, want %q", tc.input, p.Letter, p.Value, want)
			}
		}
	}
}

func TestScanLineComment(t *testing.T) {
	c, err := ScanLine("; full line comment", 0, 21, code.File)
	if err != nil {
		t.Fatalf("ScanLine error: %v", err)
	}
	if c.Type != code.TypeComment {
		t.Fatalf("type = %v, want TypeComment", c.Type)
	}
	if c.Comment != "full line comment" {
		t.Errorf("comment = %q", c.Comment)
	}
}

func TestScanLineEmpty(t *testing.T) {
	c, err := ScanLine("   \t  ", 0, 7, code.File)
	if err != nil {
		t.Fatalf("ScanLine error: %v", err)
	}
	if c.Type != code.TypeEmpty {
		t.Fatalf("type = %v, want TypeEmpty", c.Type)
	}
}

func TestScanLineQuotedFilename(t *testing.T) {
	c, err := ScanLine(`M98 P"sub dir/foo.g"`, 0, 21, code.File)
	if err != nil {
		t.Fatalf("ScanLine error: %v", err)
	}
	val, ok := c.Param('P')
	if !ok {
		t.Fatalf("missing P parameter")
	}
	if val != "sub dir/foo.g" {
		t.Errorf("P = %q, want %q", val, "sub dir/foo.g")
	}
}

func TestScanLineInvalid(t *testing.T) {
	if _, err := ScanLine("X10 Y20", 0, 8, code.File); err == nil {
		t.Fatalf("expected error for line without leading G/M/T")
	}
}
