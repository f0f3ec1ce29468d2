package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/synthprep/pkg/ndarray"
)

const (
	attrKindArray = "array"
	attrKindText  = "text"
)

// Attr is a single attribute value: either a numeric array or a list of
// strings. Exactly one of the fields is set.
type Attr struct {
	Array *ndarray.Array
	Text  []string
}

// Attrs maps attribute names to values.
type Attrs map[string]Attr

// ArrayAttr wraps a numeric array attribute.
func ArrayAttr(a *ndarray.Array) Attr {
	return Attr{Array: a}
}

// TextAttr wraps a list of strings.
func TextAttr(s ...string) Attr {
	if s == nil {
		s = []string{}
	}
	return Attr{Text: s}
}

// IsText reports whether the attribute holds strings.
func (a Attr) IsText() bool {
	return a.Text != nil
}

// Array returns the numeric attribute name, or an error when it is missing
// or holds text.
func (a Attrs) Array(name string) (*ndarray.Array, error) {
	v, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("attribute %q missing", name)
	}
	if v.Array == nil {
		return nil, fmt.Errorf("attribute %q is not numeric", name)
	}
	return v.Array, nil
}

// Text returns the string-list attribute name.
func (a Attrs) Text(name string) ([]string, error) {
	v, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("attribute %q missing", name)
	}
	if !v.IsText() {
		return nil, fmt.Errorf("attribute %q is not text", name)
	}
	return v.Text, nil
}

type attrRow struct {
	name  string
	kind  string
	dtype string
	shape string
	value []byte
}

func encodeAttr(name string, a Attr) (attrRow, error) {
	switch {
	case a.IsText() && a.Array != nil:
		return attrRow{}, fmt.Errorf("attribute %q holds both text and array", name)
	case a.IsText():
		return attrRow{
			name:  name,
			kind:  attrKindText,
			dtype: "utf8",
			shape: fmt.Sprintf("[%d]", len(a.Text)),
			value: EncodeText(a.Text),
		}, nil
	case a.Array != nil:
		if err := a.Array.Check(); err != nil {
			return attrRow{}, fmt.Errorf("attribute %q: %w", name, err)
		}
		shape, err := encodeShape(a.Array.Shape)
		if err != nil {
			return attrRow{}, err
		}
		return attrRow{
			name:  name,
			kind:  attrKindArray,
			dtype: string(a.Array.DType),
			shape: shape,
			value: nonNil(a.Array.Data),
		}, nil
	default:
		return attrRow{}, fmt.Errorf("attribute %q is empty", name)
	}
}

func decodeAttr(r attrRow) (Attr, error) {
	switch r.kind {
	case attrKindText:
		text, err := DecodeText(r.value)
		if err != nil {
			return Attr{}, err
		}
		return TextAttr(text...), nil
	case attrKindArray:
		shape, err := decodeShape(r.shape)
		if err != nil {
			return Attr{}, err
		}
		arr, err := ndarray.FromBytes(ndarray.DType(r.dtype), shape, r.value)
		if err != nil {
			return Attr{}, err
		}
		return ArrayAttr(arr), nil
	default:
		return Attr{}, fmt.Errorf("unknown attribute kind %q", r.kind)
	}
}

// EncodeText serialises strings as a sequence of uvarint length-prefixed
// UTF-8 byte strings. Bytes that are not valid UTF-8 are dropped.
func EncodeText(list []string) []byte {
	out := []byte{}
	for _, s := range list {
		s = strings.ToValidUTF8(s, "")
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	return out
}

var errTextCorrupt = errors.New("corrupt text attribute")

// DecodeText reverses EncodeText.
func DecodeText(b []byte) ([]string, error) {
	out := []string{}
	for len(b) > 0 {
		n, w := binary.Uvarint(b)
		if w <= 0 || uint64(len(b)-w) < n {
			return nil, errTextCorrupt
		}
		b = b[w:]
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out, nil
}

// nonNil keeps empty blobs from being bound as SQL NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
