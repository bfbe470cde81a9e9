// Package lines turns an arbitrarily chunked byte stream into complete newline-terminated lines.
package lines

import (
	"bytes"
	"errors"
	"io"
)

const defaultChunkSize = 1000

// Reassembler accumulates chunks of a stream and splits off complete lines. Whatever follows the
// last newline is retained until more data arrives or Flush is called.
//
// A Reassembler is not safe for concurrent use; each stream should have its own.
type Reassembler struct {
	residual bytes.Buffer
}

// Feed appends a chunk and returns every line that is now complete, in order, with the trailing
// "\n" removed. Any other bytes, including a "\r", are returned as received.
func (r *Reassembler) Feed(chunk []byte) []string {
	r.residual.Write(chunk)
	var ret []string
	for {
		line, err := r.residual.ReadString('\n')
		if err != nil {
			// no newline left; put back the partial line
			r.residual.Reset()
			r.residual.WriteString(line)
			return ret
		}
		ret = append(ret, trimTerminator(line))
	}
}

// Flush returns any buffered partial line as a final line. The second return value is false if
// nothing was buffered.
func (r *Reassembler) Flush() (string, bool) {
	if r.residual.Len() == 0 {
		return "", false
	}
	line := trimTerminator(r.residual.String())
	r.residual.Reset()
	return line, true
}

// Buffered returns the number of bytes held for an incomplete line.
func (r *Reassembler) Buffered() int {
	return r.residual.Len()
}

// ReadLines reads from the stream until EOF, calling emit for each complete line. A final line
// without a newline is still emitted at EOF. If emit returns false, reading stops and ReadLines
// returns nil.
//
// An io.EOF or a closed pipe is treated as a normal end of stream; any other read error is
// returned after the residual content has been flushed.
func ReadLines(stream io.Reader, emit func(string) bool) error {
	var r Reassembler
	var chunk [defaultChunkSize]byte
	for {
		n, err := stream.Read(chunk[:])
		if n > 0 {
			for _, line := range r.Feed(chunk[:n]) {
				if !emit(line) {
					return nil
				}
			}
		}
		if err != nil {
			if line, ok := r.Flush(); ok {
				if !emit(line) {
					return nil
				}
			}
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func trimTerminator(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}
