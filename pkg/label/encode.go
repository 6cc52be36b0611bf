package label

import (
	"bytes"
	"fmt"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Encoding of subscription frames. The muncher itself only consumes
// frames; the encoders are the inverse of DecodeFrame and are what a
// publisher (or a test fixture standing in for one) puts on the wire.

func encodeNode(buf *bytes.Buffer, n datamodel.Node) error {
	return dagcbor.Encode(n, buf)
}

func headerNode(h Header) (datamodel.Node, error) {
	return qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "op", qp.Int(h.Op))
		if h.Type != "" {
			qp.MapEntry(ma, "t", qp.String(h.Type))
		}
	})
}

func labelEntries(ma datamodel.MapAssembler, l *Label) {
	if l.Ver != nil {
		qp.MapEntry(ma, "ver", qp.Int(*l.Ver))
	}
	qp.MapEntry(ma, "src", qp.String(l.Src))
	qp.MapEntry(ma, "uri", qp.String(l.URI))
	if l.CID != nil {
		qp.MapEntry(ma, "cid", qp.String(*l.CID))
	}
	qp.MapEntry(ma, "val", qp.String(l.Val))
	if l.Neg != nil {
		qp.MapEntry(ma, "neg", qp.Bool(*l.Neg))
	}
	qp.MapEntry(ma, "cts", qp.String(l.CTS))
	if l.Exp != nil {
		qp.MapEntry(ma, "exp", qp.String(*l.Exp))
	}
	if l.Sig != nil {
		qp.MapEntry(ma, "sig", qp.Bytes(l.Sig))
	}
}

// EncodeLabelsFrame produces the binary message for a #labels frame.
func EncodeLabelsFrame(msg *LabelsMessage) ([]byte, error) {
	body, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "seq", qp.Int(msg.Seq))
		qp.MapEntry(ma, "labels", qp.List(-1, func(la datamodel.ListAssembler) {
			for i := range msg.Labels {
				l := &msg.Labels[i]
				qp.ListEntry(la, qp.Map(-1, func(ma datamodel.MapAssembler) {
					labelEntries(ma, l)
				}))
			}
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("building labels body: %w", err)
	}
	return encodeFrame(Header{Op: OpMessage, Type: TypeLabels}, body)
}

// EncodeInfoFrame produces the binary message for a #info frame.
func EncodeInfoFrame(msg *InfoMessage) ([]byte, error) {
	body, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "name", qp.String(msg.Name))
		if msg.Message != "" {
			qp.MapEntry(ma, "message", qp.String(msg.Message))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("building info body: %w", err)
	}
	return encodeFrame(Header{Op: OpMessage, Type: TypeInfo}, body)
}

// EncodeErrorFrame produces the binary message for an op == -1 frame.
func EncodeErrorFrame(msg *ErrorMessage) ([]byte, error) {
	body, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "error", qp.String(msg.Error))
		if msg.Message != "" {
			qp.MapEntry(ma, "message", qp.String(msg.Message))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("building error body: %w", err)
	}
	return encodeFrame(Header{Op: OpError}, body)
}

func encodeFrame(h Header, body datamodel.Node) ([]byte, error) {
	hn, err := headerNode(h)
	if err != nil {
		return nil, fmt.Errorf("building frame header: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeNode(&buf, hn); err != nil {
		return nil, fmt.Errorf("encoding frame header: %w", err)
	}
	if err := encodeNode(&buf, body); err != nil {
		return nil, fmt.Errorf("encoding frame body: %w", err)
	}
	return buf.Bytes(), nil
}
