package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a record carries a tag outside the
// protocol vocabulary.
var ErrUnknownKind = errors.New("wire: unknown record kind")

// batchJSON is the envelope of a batch. Records are positional arrays.
type batchJSON struct {
	Session string            `json:"session"`
	Seq     uint64            `json:"seq"`
	Records []json.RawMessage `json:"records"`
}

// MarshalJSON encodes the batch with positional records.
func (b Batch) MarshalJSON() ([]byte, error) {
	env := batchJSON{Session: b.Session, Seq: b.Seq, Records: make([]json.RawMessage, 0, len(b.Records))}
	for i, rec := range b.Records {
		raw, err := EncodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("wire: record %d: %w", i, err)
		}
		env.Records = append(env.Records, raw)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a batch. A malformed record fails the whole batch.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var env batchJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	recs := make([]Record, 0, len(env.Records))
	for i, raw := range env.Records {
		rec, err := DecodeRecord(raw)
		if err != nil {
			return fmt.Errorf("wire: record %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	b.Session = env.Session
	b.Seq = env.Seq
	b.Records = recs
	return nil
}

// MarshalBatch serialises a Batch to JSON.
func MarshalBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// parentJSON maps NoParent to null.
func parentJSON(id ID) *ID {
	if id == NoParent {
		return nil
	}
	return &id
}

// EncodeRecord returns the positional array of one record.
func EncodeRecord(rec Record) (json.RawMessage, error) {
	var fields []any
	switch r := rec.(type) {
	case Add:
		fields = []any{r.Kind(), r.ID, r.Tag, parentJSON(r.Parent), r.Namespace, r.Text, r.Order}
	case Remove:
		fields = []any{r.Kind(), r.ID}
	case SetAttributes:
		pairs := make([]any, 0, 2*len(r.Values))
		for _, v := range r.Values {
			pairs = append(pairs, v.ID, v.Value)
		}
		fields = []any{r.Kind(), r.Name, pairs}
	case BoundingBox:
		fields = []any{r.Kind(), r.ID, r.Box.Left, r.Box.Top, r.Box.Right, r.Box.Bottom}
	case CSSRules:
		sheets := r.Sheets
		if sheets == nil {
			sheets = [][]string{}
		}
		fields = []any{r.Kind(), sheets}
	case ViewBox:
		fields = []any{r.Kind(), r.Rect.Array()}
	case Clear:
		fields = []any{r.Kind()}
	case Render:
		fields = []any{r.Kind(), r.Timestamp}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, rec)
	}
	return json.Marshal(fields)
}

// DecodeRecord parses one positional array.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("wire: record is not an array: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.New("wire: empty record")
	}
	var kind Kind
	if err := json.Unmarshal(fields[0], &kind); err != nil {
		return nil, fmt.Errorf("wire: record tag: %w", err)
	}

	d := decoder{fields: fields, kind: kind}
	switch kind {
	case KindAdd:
		d.want(7)
		var parent *ID
		var ns *string
		r := Add{}
		d.field(1, &r.ID)
		d.field(2, &r.Tag)
		d.field(3, &parent)
		d.field(4, &ns)
		d.field(5, &r.Text)
		d.field(6, &r.Order)
		r.Parent = NoParent
		if parent != nil {
			r.Parent = *parent
		}
		if ns != nil {
			r.Namespace = *ns
		}
		return r, d.err
	case KindRemove:
		d.want(2)
		r := Remove{}
		d.field(1, &r.ID)
		return r, d.err
	case KindSetAttributes:
		d.want(3)
		r := SetAttributes{}
		var pairs []json.RawMessage
		d.field(1, &r.Name)
		d.field(2, &pairs)
		if d.err == nil && len(pairs)%2 != 0 {
			d.err = fmt.Errorf("wire: %s: odd attribute pair list", kind)
		}
		for i := 0; d.err == nil && i < len(pairs); i += 2 {
			var v AttrValue
			if err := json.Unmarshal(pairs[i], &v.ID); err != nil {
				d.err = fmt.Errorf("wire: %s: pair %d id: %w", kind, i/2, err)
				break
			}
			if err := json.Unmarshal(pairs[i+1], &v.Value); err != nil {
				d.err = fmt.Errorf("wire: %s: pair %d value: %w", kind, i/2, err)
				break
			}
			r.Values = append(r.Values, v)
		}
		return r, d.err
	case KindBoundingBox:
		d.want(6)
		r := BoundingBox{}
		d.field(1, &r.ID)
		d.field(2, &r.Box.Left)
		d.field(3, &r.Box.Top)
		d.field(4, &r.Box.Right)
		d.field(5, &r.Box.Bottom)
		return r, d.err
	case KindCSSRules:
		d.want(2)
		r := CSSRules{}
		d.field(1, &r.Sheets)
		return r, d.err
	case KindViewBox:
		d.want(2)
		var a [4]float64
		d.field(1, &a)
		return ViewBox{Rect: RectOf(a)}, d.err
	case KindClear:
		return Clear{}, nil
	case KindRender:
		d.want(2)
		r := Render{}
		d.field(1, &r.Timestamp)
		return r, d.err
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
}

// decoder accumulates the first error while reading positional fields.
type decoder struct {
	fields []json.RawMessage
	kind   Kind
	err    error
}

func (d *decoder) want(n int) {
	if d.err == nil && len(d.fields) < n {
		d.err = fmt.Errorf("wire: %s: want %d fields, got %d", d.kind, n, len(d.fields))
	}
}

func (d *decoder) field(i int, dst any) {
	if d.err != nil {
		return
	}
	if err := json.Unmarshal(d.fields[i], dst); err != nil {
		d.err = fmt.Errorf("wire: %s: field %d: %w", d.kind, i, err)
	}
}
