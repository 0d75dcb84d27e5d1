// Package stream decodes incremental chat completion bodies and writes
// server-sent events toward pages.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// PartialFunc receives the full accumulated text after each applied fragment.
type PartialFunc func(text string)

// MalformedFunc is told about each line that could not be decoded.
type MalformedFunc func(line string, err error)

// ErrMalformedFragment wraps per-line decode failures passed to MalformedFunc.
var ErrMalformedFragment = errors.New("malformed stream fragment")

// Accumulator holds the decoding state of a single response stream.
type Accumulator struct {
	Text      string
	Fragments int
	Malformed int
	Done      bool
}

// Decoder turns a "data: {json}" line stream into accumulated text.
type Decoder struct {
	logger      *slog.Logger
	onMalformed MalformedFunc
}

// NewDecoder returns a decoder logging through logger (slog.Default when nil).
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// OnMalformed installs a hook invoked for every skipped line.
func (d *Decoder) OnMalformed(fn MalformedFunc) *Decoder {
	d.onMalformed = fn
	return d
}

// Decode reads body until EOF and returns the concatenated delta content.
// onPartial, when non-nil, is called synchronously once per applied fragment.
// On a read or context error the text decoded so far is returned with it.
func (d *Decoder) Decode(ctx context.Context, body io.Reader, onPartial PartialFunc) (string, error) {
	acc, err := d.DecodeInto(ctx, body, onPartial)
	return acc.Text, err
}

// DecodeInto is Decode exposing the full accumulator. The accumulator is
// never nil.
func (d *Decoder) DecodeInto(ctx context.Context, body io.Reader, onPartial PartialFunc) (*Accumulator, error) {
	acc := &Accumulator{}
	var text strings.Builder
	reader := bufio.NewReader(body)

	for {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if fragment, ok := d.parseLine(line, acc); ok {
				text.WriteString(fragment)
				acc.Text = text.String()
				acc.Fragments++
				if onPartial != nil {
					onPartial(acc.Text)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return acc, nil
			}
			return acc, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

// parseLine returns the fragment carried by one line, if any.
func (d *Decoder) parseLine(raw string, acc *Accumulator) (string, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	// SSE comments and non-data fields carry no payload
	if strings.HasPrefix(line, ":") ||
		strings.HasPrefix(line, "event:") ||
		strings.HasPrefix(line, "id:") ||
		strings.HasPrefix(line, "retry:") {
		return "", false
	}

	payload := line
	if strings.HasPrefix(payload, dataPrefix) {
		payload = strings.TrimPrefix(payload, dataPrefix)
		payload = strings.TrimPrefix(payload, " ")
	}
	payload = strings.TrimSpace(payload)
	if payload == doneMarker {
		acc.Done = true
		return "", false
	}

	if !gjson.Valid(payload) {
		d.malformed(line, fmt.Errorf("%w: invalid json", ErrMalformedFragment), acc)
		return "", false
	}
	parsed := gjson.Parse(payload)
	if msg := parsed.Get("error.message"); msg.Exists() {
		d.malformed(line, fmt.Errorf("%w: provider error: %s", ErrMalformedFragment, msg.String()), acc)
		return "", false
	}
	content := parsed.Get("choices.0.delta.content")
	if content.Type != gjson.String || content.Str == "" {
		return "", false
	}
	return content.Str, true
}

func (d *Decoder) malformed(line string, err error, acc *Accumulator) {
	acc.Malformed++
	d.logger.Warn("skipping stream line", "error", err, "line", truncate(line, 200))
	if d.onMalformed != nil {
		d.onMalformed(line, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
