package rpc_struct

import (
	"bytes"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/wire"
)

// AuthenticateOp carries one round of the authentication exchange that
// precedes hello when an auth context is enabled. The request blob comes
// from the auth context; the reply's body is read to completion and
// handed back to the context, which may install a connection filter.
type AuthenticateOp struct {
	OpBase

	RequestedAuthType int
	ReqBuf            []byte

	ChosenAuthType        int
	UseSslFlag            bool
	ResponseContentLength int
	ResponseBuf           []byte
}

func (op *AuthenticateOp) Name() string { return VerbAuthenticate }
func (op *AuthenticateOp) Show() string { return show(op) }

func (op *AuthenticateOp) Request(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeRequestHeader(w, op)
	w.Int("A", "Auth-type", int64(op.RequestedAuthType))
	if len(op.ReqBuf) > 0 {
		w.Int("l", "Content-length", int64(len(op.ReqBuf)))
	}
	w.Done()
	buf.Write(op.ReqBuf)
}

func (op *AuthenticateOp) ParseResponse(props *common.Properties, format common.RpcFormat) error {
	op.ChosenAuthType = props.GetInt(wire.FieldKey(format, "A", "Auth-type"), common.AuthTypeNone)
	op.UseSslFlag = props.GetBool(wire.FieldKey(format, "US", "Use-ssl"), false)
	return nil
}

func (op *AuthenticateOp) ParseResponseContent(data []byte) error {
	op.ResponseBuf = append([]byte(nil), data...)
	return nil
}

// ReadResponseContent accumulates reply body bytes from the connection
// buffer, returning how many are still outstanding.
func (op *AuthenticateOp) ReadResponseContent(in *bytes.Buffer) int {
	rem := op.ResponseContentLength - len(op.ResponseBuf)
	if rem <= 0 {
		return 0
	}
	take := rem
	if in.Len() < take {
		take = in.Len()
	}
	op.ResponseBuf = append(op.ResponseBuf, in.Next(take)...)
	return op.ResponseContentLength - len(op.ResponseBuf)
}
