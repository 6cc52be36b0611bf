package label

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/polydawn/refmt/cbor"
)

const (
	// SubscribeLabelsID is the XRPC method each publisher serves its
	// label stream on.
	SubscribeLabelsID = "com.atproto.label.subscribeLabels"

	// TypeLabels and TypeInfo are the header `t` values carried on
	// normal frames.
	TypeLabels = "#labels"
	TypeInfo   = "#info"

	// OpMessage and OpError are the recognized header `op` values.
	OpMessage = 1
	OpError   = -1
)

// ErrTrailingBytes reports content after the two framed values of a
// subscription message. Such frames are dropped.
var ErrTrailingBytes = errors.New("trailing bytes after frame body")

// Header is the first of the two DAG-CBOR values in every binary frame.
type Header struct {
	Op   int64
	Type string
}

// LabelsMessage is a #labels frame body: the labels emitted at Seq.
type LabelsMessage struct {
	Seq    int64
	Labels []Label
}

// InfoMessage is a #info frame body. Advisory only.
type InfoMessage struct {
	Name    string
	Message string
}

// ErrorMessage is the body of an op == -1 frame.
type ErrorMessage struct {
	Error   string
	Message string
}

// Frame is one decoded subscription message.
type Frame struct {
	Header Header
	body   datamodel.Node
}

// DecodeFrame splits a binary WebSocket message into its header and body.
// The message must contain exactly two consecutive DAG-CBOR values;
// anything after the second is ErrTrailingBytes.
func DecodeFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	hdr, err := decodeNode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding frame header: %w", err)
	}
	body, err := decodeNode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding frame body: %w", err)
	}
	if r.Len() > 0 {
		return nil, ErrTrailingBytes
	}

	f := &Frame{body: body}
	if op, ok := mapInt(hdr, "op"); ok {
		f.Header.Op = op
	} else {
		return nil, errors.New("frame header missing op")
	}
	f.Header.Type, _ = mapString(hdr, "t")
	return f, nil
}

// decodeNode reads a single DAG-CBOR value, leaving the reader positioned
// at the first byte after it. The package-level dagcbor.Decode cannot be
// used here: it treats any remaining input as an error, and frames carry
// two values back to back.
func decodeNode(r *bytes.Reader) (datamodel.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	dec := cbor.NewDecoder(cbor.DecodeOptions{CoerceUndefToNull: true}, r)
	if err := dagcbor.Unmarshal(nb, dec, dagcbor.DecodeOptions{AllowLinks: true}); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

// MessageType returns the fully qualified $type of a normal frame,
// e.g. "com.atproto.label.subscribeLabels#labels".
func (f *Frame) MessageType() string {
	return SubscribeLabelsID + f.Header.Type
}

// AsLabels interprets the body as a #labels message.
func (f *Frame) AsLabels() (*LabelsMessage, error) {
	seq, ok := mapInt(f.body, "seq")
	if !ok {
		return nil, errors.New("labels frame missing seq")
	}
	msg := &LabelsMessage{Seq: seq}

	ln, ok := mapNode(f.body, "labels")
	if !ok {
		return nil, errors.New("labels frame missing labels")
	}
	if ln.Kind() != datamodel.Kind_List {
		return nil, fmt.Errorf("labels is not a list, got %s", ln.Kind())
	}
	it := ln.ListIterator()
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("iterating labels: %w", err)
		}
		l, err := labelFromNode(v)
		if err != nil {
			return nil, err
		}
		msg.Labels = append(msg.Labels, l)
	}
	return msg, nil
}

// AsInfo interprets the body as a #info message.
func (f *Frame) AsInfo() (*InfoMessage, error) {
	name, ok := mapString(f.body, "name")
	if !ok {
		return nil, errors.New("info frame missing name")
	}
	msg := &InfoMessage{Name: name}
	msg.Message, _ = mapString(f.body, "message")
	return msg, nil
}

// AsError interprets the body of an op == -1 frame.
func (f *Frame) AsError() *ErrorMessage {
	msg := &ErrorMessage{}
	msg.Error, _ = mapString(f.body, "error")
	msg.Message, _ = mapString(f.body, "message")
	return msg
}
