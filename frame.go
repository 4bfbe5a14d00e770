package mcpprobe

import (
	"bytes"
	"io"
	"iter"
	"strings"
)

// frame is one decoded server-sent event block: an event type and the
// concatenated payload of its data lines.
type frame struct {
	event string
	data  string
}

// frameParser incrementally decodes SSE event blocks from a stream of byte
// chunks. Servers in the wild separate blocks with "\n\n", "\r\n\r\n" or
// "\r\r", sometimes mixing conventions within one stream, so the parser
// accepts all three. Incomplete trailing data is buffered until the next
// chunk; whatever remains at end of stream is discarded as a clean shutdown.
type frameParser struct {
	buf []byte
	// scanned is the buffer offset the next separator scan resumes from, so
	// a block arriving in many small chunks is not re-scanned from offset 0
	// on every push.
	scanned int
}

// push appends chunk to the internal buffer and returns every complete frame
// it now holds. Empty blocks, such as keep-alive pings, are dropped.
func (p *frameParser) push(chunk []byte) []frame {
	p.buf = append(p.buf, chunk...)

	var frames []frame
	for {
		block, rest, ok := splitBlock(p.buf, p.scanned)
		if !ok {
			// Back up enough to not miss a separator straddling this push
			// and the next; the longest one is four bytes.
			p.scanned = len(p.buf) - 3
			if p.scanned < 0 {
				p.scanned = 0
			}
			return frames
		}
		p.buf = rest
		p.scanned = 0
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
}

// splitBlock finds the earliest block separator in buf at or after start and
// cuts the buffer there. The separator itself is consumed.
func splitBlock(buf []byte, start int) (block, rest []byte, ok bool) {
	for i := start; i < len(buf); i++ {
		switch buf[i] {
		case '\n':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return buf[:i], buf[i+2:], true
			}
		case '\r':
			if bytes.HasPrefix(buf[i:], []byte("\r\n\r\n")) {
				return buf[:i], buf[i+4:], true
			}
			if i+1 < len(buf) && buf[i+1] == '\r' {
				return buf[:i], buf[i+2:], true
			}
		}
	}
	return nil, buf, false
}

// parseBlock decodes one event block. Lines beginning with "event:" set the
// event type, defaulting to "message" when absent. Lines beginning with
// "data:" are concatenated without a separator; the payloads this protocol
// carries are single logical JSON lines, so no newline is inserted between
// consecutive data lines. At most one leading space after the field colon is
// stripped. Blocks carrying neither field report ok=false.
func parseBlock(block []byte) (frame, bool) {
	var (
		event    string
		data     strings.Builder
		hasField bool
	)

	for _, line := range splitLines(block) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(trimFieldValue(line[len("event:"):]))
			hasField = true
		case bytes.HasPrefix(line, []byte("data:")):
			data.Write(trimFieldValue(line[len("data:"):]))
			hasField = true
		}
	}

	if !hasField {
		return frame{}, false
	}
	if event == "" {
		event = "message"
	}
	return frame{event: event, data: data.String()}, true
}

// splitLines splits a block into lines on any of \r\n, \n or \r.
func splitLines(block []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(block); i++ {
		switch block[i] {
		case '\n':
			lines = append(lines, block[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, block[start:i])
			if i+1 < len(block) && block[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(block) {
		lines = append(lines, block[start:])
	}
	return lines
}

// trimFieldValue strips at most one leading space from an SSE field value.
func trimFieldValue(v []byte) []byte {
	if len(v) > 0 && v[0] == ' ' {
		return v[1:]
	}
	return v
}

// readFrames returns an iterator over the frames carried by r, feeding the
// parser with whatever chunk sizes the reader produces. A clean end of
// stream simply ends the iteration; read failures are yielded as the final
// element with an empty frame.
func readFrames(r io.Reader) iter.Seq2[frame, error] {
	return func(yield func(frame, error) bool) {
		var p frameParser
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range p.push(buf[:n]) {
					if !yield(f, nil) {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					yield(frame{}, err)
				}
				return
			}
		}
	}
}
