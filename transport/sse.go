// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"strings"
)

// sseEvent is one parsed Server-Sent Event: an optional id and the
// concatenated data lines.
type sseEvent struct {
	id   string
	data []byte
}

// scanEvents parses the SSE framing (https://html.spec.whatwg.org/#event-
// stream-interpretation) out of r: events are separated by a blank line,
// each consisting of "field: value" lines. Only "id" and "data" are
// meaningful for MCP's use of SSE; other fields (event, retry, comments)
// are ignored.
func scanEvents(r io.Reader) iter.Seq2[sseEvent, error] {
	return func(yield func(sseEvent, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFrameBytes)

		var cur sseEvent
		var data [][]byte
		flush := func() (sseEvent, bool) {
			if len(data) == 0 && cur.id == "" {
				return sseEvent{}, false
			}
			cur.data = bytes.Join(data, []byte("\n"))
			evt := cur
			cur = sseEvent{}
			data = nil
			return evt, true
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if evt, ok := flush(); ok {
					if !yield(evt, nil) {
						return
					}
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue // comment
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				cur.id = value
			case "data":
				data = append(data, []byte(value))
			}
		}
		if err := scanner.Err(); err != nil {
			yield(sseEvent{}, err)
			return
		}
		if evt, ok := flush(); ok {
			yield(evt, nil)
		}
		yield(sseEvent{}, io.EOF)
	}
}
