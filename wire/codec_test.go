package wire

import (
	"errors"
	"testing"
)

func TestEncodeRecord_PositionalLayout(t *testing.T) {
	cases := []struct {
		rec  Record
		want string
	}{
		{Add{ID: 1, Tag: Str("rect"), Parent: Root, Namespace: "http://www.w3.org/2000/svg", Order: 0},
			`[0,1,"rect",0,"http://www.w3.org/2000/svg",null,0]`},
		{Add{ID: 2, Parent: 1, Text: Str("hi"), Order: 0.5}, `[0,2,null,1,"","hi",0.5]`},
		{Add{ID: 3, Tag: Str("g"), Parent: NoParent}, `[0,3,"g",null,"",null,0]`},
		{Remove{ID: 4}, `[1,4]`},
		{SetAttributes{Name: "fill", Values: []AttrValue{{ID: 1, Value: Str("red")}, {ID: 2}}}, `[2,"fill",[1,"red",2,null]]`},
		{BoundingBox{ID: 1, Box: Box{0, 0, 10, 10}}, `[3,1,0,0,10,10]`},
		{CSSRules{}, `[5,[]]`},
		{ViewBox{Rect: Rect{0, 0, 100, 100}}, `[6,[0,0,100,100]]`},
		{Clear{}, `[7]`},
		{Render{Timestamp: 42}, `[8,42]`},
	}
	for _, tc := range cases {
		raw, err := EncodeRecord(tc.rec)
		if err != nil {
			t.Fatalf("%s: %v", tc.rec.Kind(), err)
		}
		if string(raw) != tc.want {
			t.Errorf("%s: got %s, want %s", tc.rec.Kind(), raw, tc.want)
		}
	}
}

func TestDecodeRecord_NullParentIsDetached(t *testing.T) {
	rec, err := DecodeRecord([]byte(`[0,7,"circle",null,"ns",null,3]`))
	if err != nil {
		t.Fatal(err)
	}
	add, ok := rec.(Add)
	if !ok {
		t.Fatalf("got %T, want Add", rec)
	}
	if add.Parent != NoParent {
		t.Errorf("Parent: got %d, want NoParent", add.Parent)
	}
	if add.Tag == nil || *add.Tag != "circle" {
		t.Errorf("Tag: got %v", add.Tag)
	}
	if add.Text != nil {
		t.Errorf("Text: got %q, want nil", *add.Text)
	}
}

func TestDecodeRecord_Errors(t *testing.T) {
	if _, err := DecodeRecord([]byte(`[4,1]`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("kind 4: got %v, want ErrUnknownKind", err)
	}
	if _, err := DecodeRecord([]byte(`[2,"fill",[1]]`)); err == nil {
		t.Error("odd attribute pairs: expected error")
	}
	if _, err := DecodeRecord([]byte(`[3,1,0,0]`)); err == nil {
		t.Error("short bounding box: expected error")
	}
	if _, err := DecodeRecord([]byte(`{}`)); err == nil {
		t.Error("object: expected error")
	}
	if _, err := DecodeRecord([]byte(`[]`)); err == nil {
		t.Error("empty: expected error")
	}
}

func TestBatch_RoundtripKeepsOrder(t *testing.T) {
	b := &Batch{
		Session: "s1",
		Seq:     9,
		Records: []Record{
			Add{ID: 1, Tag: Str("rect"), Parent: Root},
			SetAttributes{Name: "x", Values: []AttrValue{{ID: 1, Value: Str("5")}}},
			BoundingBox{ID: 1, Box: Box{0, 0, 10, 10}},
			Remove{ID: 1},
		},
	}
	data, err := MarshalBatch(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Session != "s1" || got.Seq != 9 {
		t.Fatalf("envelope: got %q/%d", got.Session, got.Seq)
	}
	kinds := []Kind{KindAdd, KindSetAttributes, KindBoundingBox, KindRemove}
	if len(got.Records) != len(kinds) {
		t.Fatalf("records: got %d, want %d", len(got.Records), len(kinds))
	}
	for i, k := range kinds {
		if got.Records[i].Kind() != k {
			t.Errorf("record %d: got %s, want %s", i, got.Records[i].Kind(), k)
		}
	}
}

func TestUnmarshalBatch_BadRecordFailsBatch(t *testing.T) {
	_, err := UnmarshalBatch([]byte(`{"session":"s","seq":1,"records":[[1,2],[99]]}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
}

func TestBoxOverlaps_Inclusive(t *testing.T) {
	view := Box{-10, -10, 10, 10}
	if !(Box{-1, -1, 1, 1}).Overlaps(view) {
		t.Error("contained box should overlap")
	}
	if (Box{11, -10, 20, 10}).Overlaps(view) {
		t.Error("disjoint box should not overlap")
	}
	if !(Box{10, 0, 20, 5}).Overlaps(view) {
		t.Error("shared edge should overlap")
	}
}

func TestRectProject(t *testing.T) {
	vb := Rect{0, 0, 100, 100}
	got := vb.Project(Rect{0.9, 0.9, 0.1, 0.1})
	want := Box{90, 90, 100, 100}
	const eps = 1e-9
	if d := got.Left - want.Left; d > eps || d < -eps {
		t.Errorf("Left: got %v", got.Left)
	}
	if d := got.Bottom - want.Bottom; d > eps || d < -eps {
		t.Errorf("Bottom: got %v", got.Bottom)
	}
	moved := Rect{50, 20, 200, 100}.Project(Rect{0.5, 0.5, 0.5, 0.5})
	if moved != (Box{150, 70, 250, 120}) {
		t.Errorf("moved viewbox: got %+v", moved)
	}
}

func TestRectNormalized(t *testing.T) {
	if !(Rect{0, 0, 1, 1}).Normalized() {
		t.Error("unit rect should be normalized")
	}
	if (Rect{0, 0, 1.5, 1}).Normalized() {
		t.Error("1.5 should be rejected")
	}
	if (Rect{-0.1, 0, 1, 1}).Normalized() {
		t.Error("negative should be rejected")
	}
}
