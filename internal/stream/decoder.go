// Package stream decodes Responses-style server-sent event streams into
// typed events.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"raaf-gateway/internal/models"
	"raaf-gateway/internal/translator"
)

const readChunkSize = 4 * 1024

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Decoder buffers arbitrary byte chunks and emits one event per complete
// data line. A Decoder must not be shared between streams.
type Decoder struct {
	buf    []byte
	done   bool
	logger *slog.Logger
}

// Option customises a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger that receives malformed-line warnings.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDecoder constructs an empty decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Done reports whether the [DONE] terminator has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk to the buffer and returns the events of every line it completed.
func (d *Decoder) Feed(chunk []byte) []models.StreamEvent {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []models.StreamEvent
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[idx+1:]
	}
	if d.done {
		d.buf = nil
	}
	return events
}

// Close flushes a trailing line that was not newline terminated.
func (d *Decoder) Close() []models.StreamEvent {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := d.parseLine(line); ok {
		return []models.StreamEvent{ev}
	}
	return nil
}

func (d *Decoder) parseLine(line []byte) (models.StreamEvent, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return models.StreamEvent{}, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return models.StreamEvent{}, false
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneMarker) {
		d.done = true
		return models.StreamEvent{}, false
	}
	if len(payload) == 0 {
		return models.StreamEvent{}, false
	}

	obj, err := translator.DecodeObject(payload)
	if err != nil {
		d.logger.Warn("skipping malformed stream line", "err", err, "line", truncate(string(payload), 256))
		return models.StreamEvent{}, false
	}
	return toEvent(obj), true
}

func toEvent(obj translator.Object) models.StreamEvent {
	ev := models.StreamEvent{
		Raw:            obj,
		OutputIndex:    intField(obj, "output_index"),
		SequenceNumber: intField(obj, "sequence_number"),
	}

	eventType, _ := obj["type"].(string)
	switch strings.TrimPrefix(eventType, "response.") {
	case "created":
		ev.Type = models.EventCreated
		ev.Response = responseField(obj)
	case "output_item.added":
		ev.Type = models.EventOutputItemAdded
		ev.Item = itemField(obj)
	case "output_item.done":
		ev.Type = models.EventOutputItemDone
		ev.Item = itemField(obj)
	case "completed", "done":
		ev.Type = models.EventCompleted
		ev.Response = responseField(obj)
		if ev.Response == nil {
			empty := translator.NormalizeResponsesResponse(nil)
			ev.Response = &empty
		}
	default:
		ev.Type = models.EventUnknown
	}
	return ev
}

func responseField(obj translator.Object) *models.NormalizedResponse {
	raw, ok := obj["response"].(translator.Object)
	if !ok {
		return nil
	}
	resp := translator.NormalizeResponsesResponse(raw)
	return &resp
}

func itemField(obj translator.Object) *models.OutputItem {
	raw, ok := obj["item"].(translator.Object)
	if !ok {
		return nil
	}
	if item, ok := translator.NormalizeOutputItem(raw); ok {
		return &item
	}
	// Message items usually arrive empty in output_item.added.
	if kind, _ := raw["type"].(string); kind == translator.ItemMessage {
		role, _ := raw["role"].(string)
		if role == "" {
			role = string(models.RoleAssistant)
		}
		item := models.MessageItem(models.Role(role), "")
		item.ID, _ = raw["id"].(string)
		return &item
	}
	return nil
}

func intField(obj translator.Object, key string) int {
	if v, ok := obj[key].(float64); ok {
		return int(v)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Decode pulls chunks from r, feeding each through a fresh Decoder, and
// invokes fn for every event in order. It stops at [DONE], at EOF, when
// ctx is cancelled, or when fn returns an error.
func Decode(ctx context.Context, r io.Reader, fn func(models.StreamEvent) error, opts ...Option) error {
	dec := NewDecoder(opts...)
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if err := fn(ev); err != nil {
					return err
				}
			}
		}
		if dec.Done() {
			return nil
		}

		if errors.Is(readErr, io.EOF) {
			for _, ev := range dec.Close() {
				if err := fn(ev); err != nil {
					return err
				}
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}
