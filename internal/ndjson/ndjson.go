// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ndjson decodes newline-delimited JSON streams one object at a time.
//
// The decoder is lazy and forward-only: each Decode call reads exactly one
// non-empty line from the underlying reader. Both end of stream and the first
// malformed line are terminal, so once Decode has returned an error it keeps
// returning that error.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SyntaxError reports a line that is not valid JSON.
type SyntaxError struct {
	Line int    // 1-indexed line number in the stream, counting empty lines
	Text string // the offending line, truncated
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("ndjson: malformed line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

const maxSnippet = 120

// Decoder reads JSON values from an NDJSON stream.
type Decoder struct {
	r       *bufio.Reader
	line    int
	decoded int
	err     error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next non-empty line and unmarshals it into v.
//
// It returns io.EOF when the stream ends cleanly. A final line without a
// trailing newline is still decoded. Read errors from the underlying reader
// are returned as-is.
func (d *Decoder) Decode(v any) error {
	if d.err != nil {
		return d.err
	}
	for {
		raw, readErr := d.r.ReadBytes('\n')
		if len(raw) > 0 {
			d.line++
		}
		line := bytes.TrimSpace(raw)

		if len(line) > 0 {
			if err := json.Unmarshal(line, v); err != nil {
				d.err = &SyntaxError{Line: d.line, Text: snippet(line), Err: err}
				return d.err
			}
			d.decoded++
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				// The value is good; surface the read error on the next call.
				d.err = readErr
			}
			return nil
		}

		if readErr != nil {
			d.err = readErr
			return d.err
		}
	}
}

// Decoded returns how many values have been decoded so far.
func (d *Decoder) Decoded() int {
	return d.decoded
}

// Err returns the terminal error, or nil while the stream is still open.
func (d *Decoder) Err() error {
	return d.err
}

func snippet(b []byte) string {
	if len(b) > maxSnippet {
		return string(b[:maxSnippet]) + "..."
	}
	return string(b)
}
