package events

import (
	"bytes"
	"encoding/json"
)

var (
	crlf       = []byte("\r\n")
	lf         = []byte("\n")
	blockSep   = []byte("\n\n")
	dataPrefix = []byte("data:")
)

// Framer splits an SSE byte stream into JSON payloads. It is fed raw
// body chunks in arrival order and keeps any incomplete trailing block
// until the next chunk completes it. One Framer serves one connection.
type Framer struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns the payloads of every
// block it completed. Blocks whose data is empty or not valid JSON are
// dropped.
func (f *Framer) Feed(chunk []byte) []json.RawMessage {
	f.buf = append(f.buf, chunk...)
	// A CR at the end of one chunk pairs with the LF that starts the
	// next, which is why the whole buffer is normalised each time.
	f.buf = bytes.ReplaceAll(f.buf, crlf, lf)

	var out []json.RawMessage
	for {
		i := bytes.Index(f.buf, blockSep)
		if i < 0 {
			break
		}
		if payload, ok := parseBlock(f.buf[:i]); ok {
			out = append(out, payload)
		}
		f.buf = f.buf[i+len(blockSep):]
	}
	return out
}

// Pending returns the retained partial block.
func (f *Framer) Pending() string {
	return string(f.buf)
}

// Reset discards the retained partial block.
func (f *Framer) Reset() {
	f.buf = nil
}

func parseBlock(block []byte) (json.RawMessage, bool) {
	var data [][]byte
	for _, line := range bytes.Split(block, lf) {
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		v := line[len(dataPrefix):]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		data = append(data, v)
	}
	if len(data) == 0 {
		return nil, false
	}
	joined := bytes.Join(data, lf)
	if len(bytes.TrimSpace(joined)) == 0 || !json.Valid(joined) {
		return nil, false
	}
	return json.RawMessage(joined), true
}
