// Package sse implements the gateway's Server-Sent Events pipeline: a
// boundary-splitting decoder, a dialect transformer that emits translated
// chunks in real time, and an aggregator that replays accumulated chunks
// into a synthesized final response for quota accounting and prompt
// logging.
//
// The decoder's "split on \n\n, hold the trailing partial segment" shape is
// grounded on the teacher's hand-rolled Mistral provider
// (internal/providers/mistral/mistral.go), which, like the Azure and Bedrock
// providers, reads its stream with a bufio.Scanner rather than delegating to
// a vendor SDK's streaming iterator.
package sse

import "bytes"

// boundary is the literal message separator on the wire.
var boundary = []byte("\n\n")

// Decoder holds a trailing partial segment across reads, per spec §4.4's
// "Stream-event buffer" data model entry.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends chunk to the internal buffer and returns every complete
// \n\n-delimited segment found. Any trailing partial segment is retained
// for the next Feed or Flush call.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var segments [][]byte
	for {
		idx := bytes.Index(d.buf, boundary)
		if idx < 0 {
			break
		}
		seg := make([]byte, idx)
		copy(seg, d.buf[:idx])
		segments = append(segments, seg)
		d.buf = d.buf[idx+len(boundary):]
	}
	return segments
}

// Flush returns whatever partial segment remains at end-of-stream, or nil
// if the buffer is empty. It does not clear error state; callers typically
// invoke it once after the upstream body is fully drained.
func (d *Decoder) Flush() []byte {
	if len(d.buf) == 0 {
		return nil
	}
	rest := d.buf
	d.buf = nil
	return rest
}

// DataPayload extracts the concatenated content of every "data: " line in a
// segment, and reports whether the segment was a keep-alive comment line
// (leading ":"), which callers should swallow rather than forward.
func DataPayload(segment []byte) (data []byte, isComment bool) {
	lines := bytes.Split(segment, []byte("\n"))
	var out [][]byte
	sawData := false
	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if len(trimmed) == 0 {
			continue
		}
		if bytes.HasPrefix(trimmed, []byte(":")) {
			continue
		}
		if bytes.HasPrefix(trimmed, []byte("data:")) {
			sawData = true
			v := bytes.TrimPrefix(trimmed, []byte("data:"))
			v = bytes.TrimPrefix(v, []byte(" "))
			out = append(out, v)
		}
	}
	if !sawData {
		return nil, true
	}
	return bytes.Join(out, []byte("\n")), false
}
