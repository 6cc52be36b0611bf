// Package label defines the wire model for moderation labels and the
// framed subscription stream they arrive on.
package label

import (
	"bytes"
	"fmt"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Label is a signed assertion attaching a value to a subject. Optional
// fields are pointers so that absence on the wire survives a round trip;
// the canonical signing payload includes a field only when it was present.
type Label struct {
	Ver *int64
	Src string
	URI string
	CID *string
	Val string
	Neg *bool
	CTS string
	Exp *string
	Sig []byte
}

// Negated reports whether the label retracts a previous assertion.
func (l *Label) Negated() bool {
	return l.Neg != nil && *l.Neg
}

// SignedBytes returns the canonical DAG-CBOR encoding the publisher signed:
// the label without sig, fields in the order ver, src, uri, cid, val, neg,
// cts, exp, each included only when present.
func (l *Label) SignedBytes() ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
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
	})
	if err != nil {
		return nil, fmt.Errorf("building signing payload: %w", err)
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return nil, fmt.Errorf("encoding signing payload: %w", err)
	}
	return buf.Bytes(), nil
}

func labelFromNode(n datamodel.Node) (Label, error) {
	if n.Kind() != datamodel.Kind_Map {
		return Label{}, fmt.Errorf("label is not a map, got %s", n.Kind())
	}
	var l Label
	l.Src, _ = mapString(n, "src")
	l.URI, _ = mapString(n, "uri")
	l.Val, _ = mapString(n, "val")
	l.CTS, _ = mapString(n, "cts")
	if v, ok := mapString(n, "cid"); ok {
		l.CID = &v
	}
	if v, ok := mapBool(n, "neg"); ok {
		l.Neg = &v
	}
	if v, ok := mapString(n, "exp"); ok {
		l.Exp = &v
	}
	if v, ok := mapInt(n, "ver"); ok {
		l.Ver = &v
	}
	if b, ok := mapBytes(n, "sig"); ok {
		l.Sig = b
	}
	return l, nil
}

func mapNode(n datamodel.Node, key string) (datamodel.Node, bool) {
	v, err := n.LookupByString(key)
	if err != nil || v == nil || v.IsNull() || v.IsAbsent() {
		return nil, false
	}
	return v, true
}

func mapString(n datamodel.Node, key string) (string, bool) {
	v, ok := mapNode(n, key)
	if !ok {
		return "", false
	}
	s, err := v.AsString()
	if err != nil {
		return "", false
	}
	return s, true
}

func mapInt(n datamodel.Node, key string) (int64, bool) {
	v, ok := mapNode(n, key)
	if !ok {
		return 0, false
	}
	i, err := v.AsInt()
	if err != nil {
		return 0, false
	}
	return i, true
}

func mapBool(n datamodel.Node, key string) (bool, bool) {
	v, ok := mapNode(n, key)
	if !ok {
		return false, false
	}
	b, err := v.AsBool()
	if err != nil {
		return false, false
	}
	return b, true
}

func mapBytes(n datamodel.Node, key string) ([]byte, bool) {
	v, ok := mapNode(n, key)
	if !ok {
		return nil, false
	}
	b, err := v.AsBytes()
	if err != nil {
		return nil, false
	}
	return b, true
}
