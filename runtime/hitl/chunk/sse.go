package chunk

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DoneSentinel is the data payload marking the end of a Server-Sent Events
// chunk stream.
const DoneSentinel = "[DONE]"

// maxFrameSize bounds a single SSE line. Tool inputs can be large.
const maxFrameSize = 4 << 20

type (
	// Reader decodes chunks from a Server-Sent Events stream. Each event carries
	// one JSON encoded chunk in its data field; the stream ends with a
	// "data: [DONE]" event or EOF.
	Reader struct {
		scanner *bufio.Scanner
		done    bool
	}
)

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: s}
}

// Next returns the next chunk. It returns io.EOF once the done sentinel was
// read or the underlying stream ended.
func (r *Reader) Next() (Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	var data bytes.Buffer
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			return r.flush(data.Bytes())
		}
		if strings.HasPrefix(line, ":") {
			// comment / keep-alive
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(value)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if data.Len() > 0 {
		return r.flush(data.Bytes())
	}
	r.done = true
	return nil, io.EOF
}

func (r *Reader) flush(data []byte) (Chunk, error) {
	if string(data) == DoneSentinel {
		r.done = true
		return nil, io.EOF
	}
	return Decode(data)
}

// WriteEvent writes c as a single SSE event.
func WriteEvent(w io.Writer, c Chunk) error {
	payload, err := Encode(c)
	if err != nil {
		return err
	}
	if bytes.ContainsAny(payload, "\r\n") {
		return errors.New("write event: encoded chunk contains a line break")
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// WriteDone writes the end of stream sentinel event.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: "+DoneSentinel+"\n\n")
	return err
}
