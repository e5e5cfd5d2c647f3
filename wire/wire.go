// Package wire implements the line-oriented header framing of the meta
// protocol: blocks of "Key: value" lines terminated by an empty line,
// optionally followed by an opaque body of Content-length bytes. Short
// format uses one/two character keys with hex integers, long format uses
// descriptive keys with decimal integers.
package wire

import (
	"bytes"

	"github.com/bhyvex/qfs/common"
)

// MaxRPCHeaderLen bounds a single header block. Anything larger is a
// protocol error and tears the connection down.
const MaxRPCHeaderLen = 16 << 10

// IsMsgAvail reports whether buf holds a complete header block, and the
// block's length in bytes including its terminating empty line.
func IsMsgAvail(buf []byte) (int, bool) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2, true
	}
	return 0, false
}

// IsReply reports whether a header block is a response to an op this
// side sent, as opposed to a server-initiated command: responses start
// with the two bytes "OK" followed by a character no greater than space.
func IsReply(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 'O' && buf[1] == 'K' && buf[2] <= ' '
}

// ParseHeader loads a header block into Properties using the ':' key
// separator. The integer base follows the format: hex for short, decimal
// otherwise (including undetected, where the caller probes afterwards).
func ParseHeader(buf []byte, format common.RpcFormat) (*common.Properties, error) {
	base := 10
	if format == common.RpcFormatShort {
		base = 16
	}
	props := common.NewPropertiesWithBase(base)
	if err := props.Load(bytes.NewReader(buf), ':'); err != nil {
		return nil, err
	}
	return props, nil
}

// FieldKey picks the header key for a logical field under the given
// format. Undetected format requests are encoded long with the short key
// advertised via the short-format request flag.
func FieldKey(format common.RpcFormat, short, long string) string {
	if format == common.RpcFormatShort {
		return short
	}
	return long
}
