package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes envelopes as SSE frames: the JSON object on a single
// "data: " line terminated by a blank line. When the underlying writer
// implements http.Flusher each frame is flushed immediately so clients see
// events as they are produced.
type Encoder struct {
	w io.Writer
}

// NewEncoder constructs an Encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one envelope as a complete SSE frame.
func (e *Encoder) Encode(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Decoder reconstructs envelopes from an SSE byte stream. Frames may arrive
// arbitrarily split across transport chunks: Feed buffers partial input and
// yields only complete frames, retaining the trailing incomplete frame for
// the next call. Feeding a frame split into N chunks yields exactly the same
// envelopes as feeding it whole. A partial frame may buffer at most
// maxFrameSize bytes; input that never terminates a frame fails decoding
// instead of accumulating without bound.
type Decoder struct {
	buf []byte
}

// maxFrameSize bounds the bytes a single frame may occupy in the decoder
// buffer.
const maxFrameSize = 1 << 20

// NewDecoder constructs an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and returns all complete envelopes
// framed so far, in order. A malformed frame aborts decoding with an error;
// previously returned envelopes remain valid.
func (d *Decoder) Feed(p []byte) ([]Envelope, error) {
	d.buf = append(d.buf, p...)
	var out []Envelope
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			if len(d.buf) > maxFrameSize {
				d.buf = nil
				return out, fmt.Errorf("sse frame exceeds %d bytes", maxFrameSize)
			}
			return out, nil
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+2:]
		env, ok, err := parseFrame(frame)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, env)
		}
	}
}

// Pending reports whether the decoder holds a buffered partial frame.
func (d *Decoder) Pending() bool {
	return len(bytes.TrimSpace(d.buf)) > 0
}

// parseFrame extracts the JSON payload from one complete frame. Comment lines
// (":") and unknown fields are skipped; multiple data lines are joined with a
// newline per the SSE specification. Frames without data are ignored.
func parseFrame(frame []byte) (Envelope, bool, error) {
	var data []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			rest = bytes.TrimPrefix(rest, []byte(" "))
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, rest...)
		}
	}
	if len(data) == 0 {
		return Envelope{}, false, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("decode sse frame: %w", err)
	}
	return env, true, nil
}
