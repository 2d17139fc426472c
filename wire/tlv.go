// Package wire implements the two framings that coexist on a sovrnet
// connection: raw length-prefixed frames (handshake messages and routing
// requests) and chunked-and-encrypted message frames (post-handshake
// KernelMessage traffic), plus the tag+varint binary format used to
// serialize the payloads carried by both.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Field tags shared by the payload encodings in this package. Each
// payload type below defines its own tag space; values only need to be
// unique within one payload's encoding.
type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) varint(tag byte, v uint64) {
	w.buf = append(w.buf, tag)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *fieldWriter) bytes(tag byte, data []byte) {
	w.buf = append(w.buf, tag)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(data)))
	w.buf = append(w.buf, tmp[:n]...)
	w.buf = append(w.buf, data...)
}

func (w *fieldWriter) str(tag byte, s string) {
	w.bytes(tag, []byte(s))
}

func (w *fieldWriter) bytesOpt(tag byte, data []byte) {
	if data == nil {
		return
	}
	w.bytes(tag, data)
}

func (w *fieldWriter) strOpt(tag byte, s string) {
	if s == "" {
		return
	}
	w.str(tag, s)
}

type fieldReader struct {
	data []byte
	pos  int
}

func (r *fieldReader) more() bool { return r.pos < len(r.data) }

func (r *fieldReader) tag() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("wire: unexpected end of fields")
	}
	t := r.data[r.pos]
	r.pos++
	return t, nil
}

func (r *fieldReader) varint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("wire: malformed varint")
	}
	r.pos += n
	return v, nil
}

func (r *fieldReader) bytes() ([]byte, error) {
	l, err := r.varint()
	if err != nil {
		return nil, err
	}
	if uint64(r.pos)+l > uint64(len(r.data)) {
		return nil, fmt.Errorf("wire: field length exceeds buffer")
	}
	out := r.data[r.pos : r.pos+int(l)]
	r.pos += int(l)
	return out, nil
}

func (r *fieldReader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
