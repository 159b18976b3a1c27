package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// writer accumulates length-prefixed strings and fixed-width integers,
// little-endian, matching the notification bus's payload encoding — the IPC
// surface and the notify package share one wire convention even though each
// keeps its own unexported codec.
type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) u32(v uint32) *writer {
	binary.Write(&w.buf, binary.LittleEndian, v)
	return w
}

func (w *writer) str(s string) *writer {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
	return w
}

func (w *writer) bytesField(b []byte) *writer {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
	return w
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader is the mirror-image reader for request payloads.
type reader struct {
	buf *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{buf: bytes.NewReader(b)} }

func (r *reader) u32() (uint32, error) {
	var v uint32
	err := binary.Read(r.buf, binary.LittleEndian, &v)
	return v, err
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return "", fmt.Errorf("read string field: %w", err)
	}
	return string(b), nil
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return nil, fmt.Errorf("read bytes field: %w", err)
	}
	return b, nil
}

// readRequest reads one request frame: <u32 opcode><u32 length><payload>.
func readRequest(r io.Reader) (Opcode, []byte, error) {
	var opcode uint32
	if err := binary.Read(r, binary.LittleEndian, &opcode); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Opcode(opcode), payload, nil
}

// writeFrame writes one <u32 status><u32 length><payload> frame, used for
// both command replies and out-of-band notification frames.
func writeFrame(w io.Writer, status uint32, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, status); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
