// Package gcode carves a single source line into a code.Code. It is
// deliberately minimal: the full G-code lexical/syntactic grammar
// (expressions, conditionals, meta-commands) is an external
// collaborator; this package covers exactly the letter/number scan a
// job or macro reader needs to hand a Code to a Channel Processor.
package gcode

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/amken3d/sbclinkd/internal/code"
)

// ScanLine parses one line of source text into a code.Code. offset and
// length are the caller-supplied file position and byte length (including
// line terminator) to stamp onto the result; pass offset -1 for
// macro-sourced lines, per code.Code.FromFile.
func ScanLine(line string, offset int64, length int64, ch code.Channel) (*code.Code, error) {
	trimmed := strings.TrimRight(line, "\r\n")

	c := &code.Code{
		Channel:    ch,
		FileOffset: offset,
		Length:     length,
		Minor:      -1,
	}

	i := 0
	for i < len(trimmed) && (trimmed[i] == ' ' || trimmed[i] == '\t') {
		i++
	}

	if i >= len(trimmed) {
		c.Type = code.TypeEmpty
		return c, nil
	}

	if trimmed[i] == ';' {
		c.Type = code.TypeComment
		c.Comment = strings.TrimSpace(trimmed[i+1:])
		return c, nil
	}

	switch upper(trimmed[i]) {
	case 'G':
		c.Type = code.TypeGCode
	case 'M':
		c.Type = code.TypeMCode
	case 'T':
		c.Type = code.TypeTCode
	default:
		return nil, fmt.Errorf("gcode: line does not start with G/M/T or a comment: %q", trimmed)
	}
	i++

	major, next, err := scanInt(trimmed, i)
	if err != nil {
		return nil, fmt.Errorf("gcode: %w: %q", err, trimmed)
	}
	c.Major = major
	i = next

	if i < len(trimmed) && trimmed[i] == '.' {
		i++
		minor, next, err := scanInt(trimmed, i)
		if err != nil {
			return nil, fmt.Errorf("gcode: invalid minor number: %q", trimmed)
		}
		c.Minor = minor
		i = next
	}

	params, comment, err := scanParameters(trimmed[i:])
	if err != nil {
		return nil, fmt.Errorf("gcode: %w: %q", err, trimmed)
	}
	c.Parameters = params
	c.Comment = comment

	return c, nil
}

func scanParameters(rest string) ([]code.Parameter, string, error) {
	var params []code.Parameter
	i := 0
	for i < len(rest) {
		for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		if i >= len(rest) {
			break
		}
		if rest[i] == ';' {
			return params, strings.TrimSpace(rest[i+1:]), nil
		}
		if !isLetter(rest[i]) {
			return nil, "", fmt.Errorf("unexpected character %q in parameter list", rest[i])
		}
		letter := upper(rest[i])
		i++

		if i < len(rest) && rest[i] == '"' {
			value, next, err := scanQuoted(rest, i)
			if err != nil {
				return nil, "", err
			}
			params = append(params, code.Parameter{Letter: letter, Value: value})
			i = next
			continue
		}

		start := i
		for i < len(rest) && rest[i] != ' ' && rest[i] != '\t' && rest[i] != ';' {
			i++
		}
		params = append(params, code.Parameter{Letter: letter, Value: rest[start:i]})
	}
	return params, "", nil
}

// scanQuoted reads a double-quoted parameter value starting at rest[pos]
// (which must be the opening quote), using shlex to honour backslash
// escapes the same way a macro filename argument like P"sub dir/foo.g"
// would be dequoted on a console line.
func scanQuoted(rest string, pos int) (string, int, error) {
	end := pos + 1
	for end < len(rest) {
		if rest[end] == '\\' && end+1 < len(rest) {
			end += 2
			continue
		}
		if rest[end] == '"' {
			break
		}
		end++
	}
	if end >= len(rest) {
		return "", 0, fmt.Errorf("unterminated quoted value")
	}
	tokens, err := shlex.Split(rest[pos : end+1])
	if err != nil || len(tokens) != 1 {
		return "", 0, fmt.Errorf("invalid quoted value: %q", rest[pos:end+1])
	}
	return tokens[0], end + 1, nil
}

func scanInt(s string, pos int) (int, int, error) {
	start := pos
	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		pos++
	}
	if pos == start {
		return 0, pos, fmt.Errorf("expected a number")
	}
	value := 0
	for _, d := range s[start:pos] {
		value = value*10 + int(d-'0')
	}
	return value, pos, nil
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
