package wire

import (
	"bytes"
	"strconv"

	"github.com/bhyvex/qfs/common"
)

// Writer serializes one header block into an output buffer. Field order
// follows call order; Done terminates the block with an empty line.
type Writer struct {
	buf    *bytes.Buffer
	format common.RpcFormat
}

func NewWriter(buf *bytes.Buffer, format common.RpcFormat) *Writer {
	return &Writer{buf: buf, format: format}
}

func (w *Writer) key(short, long string) {
	if w.format == common.RpcFormatShort {
		w.buf.WriteString(short)
	} else {
		w.buf.WriteString(long)
	}
	w.buf.WriteString(": ")
}

func (w *Writer) end() {
	w.buf.WriteString("\r\n")
}

func (w *Writer) Str(short, long, value string) *Writer {
	w.key(short, long)
	w.buf.WriteString(value)
	w.end()
	return w
}

func (w *Writer) Int(short, long string, value int64) *Writer {
	w.key(short, long)
	if w.format == common.RpcFormatShort {
		w.buf.WriteString(strconv.FormatInt(value, 16))
	} else {
		w.buf.WriteString(strconv.FormatInt(value, 10))
	}
	w.end()
	return w
}

func (w *Writer) Uint(short, long string, value uint64) *Writer {
	w.key(short, long)
	if w.format == common.RpcFormatShort {
		w.buf.WriteString(strconv.FormatUint(value, 16))
	} else {
		w.buf.WriteString(strconv.FormatUint(value, 10))
	}
	w.end()
	return w
}

// Bool writes 1 or 0; the field is customarily omitted when false, which
// callers handle by not invoking Bool at all.
func (w *Writer) Bool(short, long string, value bool) *Writer {
	v := int64(0)
	if value {
		v = 1
	}
	return w.Int(short, long, v)
}

// Verb writes the request verb line that opens a command block.
func (w *Writer) Verb(name string) *Writer {
	w.buf.WriteString(name)
	w.end()
	return w
}

// OK writes the status line that opens a response block.
func (w *Writer) OK() *Writer {
	w.buf.WriteString("OK")
	w.end()
	return w
}

// Done terminates the header block.
func (w *Writer) Done() {
	w.end()
}
