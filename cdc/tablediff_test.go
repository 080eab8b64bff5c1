package cdc

import (
	"context"
	"testing"

	binlog "cdcbridge"
)

// buildOptionalMetadata assembles a TableMapData.OptionalMetadata TLV blob
// from small (<0xfb byte) tag payloads, matching the wire format
// TableMapData.walkOptionalMetadata expects.
func buildOptionalMetadata(entries []struct {
	tag     byte
	payload []byte
}) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, e.tag, byte(len(e.payload)))
		out = append(out, e.payload...)
	}
	return out
}

func packedStrings(names ...string) []byte {
	var out []byte
	for _, n := range names {
		out = append(out, byte(len(n)))
		out = append(out, []byte(n)...)
	}
	return out
}

func productsTableMap(tableID uint64) binlog.TableMapData {
	return binlog.TableMapData{
		TableID:       tableID,
		DBName:        "e_store",
		TableName:     "products",
		ColumnCount:   2,
		ColumnTypes:   []byte{8, 15}, // LONGLONG, VARCHAR
		FieldMetadata: []byte{0xff, 0x00},
		NullBits:      []byte{0x00},
		OptionalMetadata: buildOptionalMetadata([]struct {
			tag     byte
			payload []byte
		}{
			{tag: 8, payload: []byte{0x00}},                     // simple primary key: column 0
			{tag: 4, payload: packedStrings("_id", "name")},     // column names
			{tag: 1, payload: []byte{0x80}},                     // signedness: 1 numeric col, unsigned
		}),
	}
}

type fakeEventPuller struct {
	events []binlog.TypedEvent
	i      int
}

func (f *fakeEventPuller) Next(ctx context.Context) (binlog.TypedEvent, error) {
	if f.i >= len(f.events) {
		return binlog.TypedEvent{}, context.Canceled
	}
	ev := f.events[f.i]
	f.i++
	return ev, nil
}

func TestTableDiffSourceJoinsRowsToTableMap(t *testing.T) {
	tm := productsTableMap(42)
	rows := binlog.RowsData{
		Kind:       binlog.RowsWrite,
		TableID:    42,
		Width:      2,
		RowPayload: []byte{0xaa},
	}
	puller := &fakeEventPuller{events: []binlog.TypedEvent{
		{Data: tm},
		{Data: rows},
	}}
	src := NewTableDiffSource(puller)

	diff, err := src.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff.Kind != Insert {
		t.Fatalf("kind = %v, want Insert", diff.Kind)
	}
	if diff.Database != "e_store" || diff.Table != "products" {
		t.Fatalf("database/table = %s/%s", diff.Database, diff.Table)
	}
	if len(diff.ColumnNames) != 2 || diff.ColumnNames[0] != "_id" || diff.ColumnNames[1] != "name" {
		t.Fatalf("column_names = %v", diff.ColumnNames)
	}
	if len(diff.PrimaryKeyIndices) != 1 || diff.PrimaryKeyIndices[0] != 0 {
		t.Fatalf("primary_key = %v", diff.PrimaryKeyIndices)
	}
}

func TestTableDiffSourceRowsBeforeTableMap(t *testing.T) {
	rows := binlog.RowsData{Kind: binlog.RowsWrite, TableID: 99}
	puller := &fakeEventPuller{events: []binlog.TypedEvent{{Data: rows}}}
	src := NewTableDiffSource(puller)

	_, err := src.Next(context.Background())
	if err == nil {
		t.Fatal("expected a TableDiffError for a Rows event with no preceding TableMap")
	}
	if _, ok := err.(*TableDiffError); !ok {
		t.Fatalf("got %T, want *TableDiffError", err)
	}
}

func TestTableDiffSourceConsumesTableMapOnce(t *testing.T) {
	tm := productsTableMap(7)
	rows1 := binlog.RowsData{Kind: binlog.RowsWrite, TableID: 7, Width: 2, RowPayload: []byte{0x00}}
	rows2 := binlog.RowsData{Kind: binlog.RowsWrite, TableID: 7, Width: 2, RowPayload: []byte{0x00}}
	puller := &fakeEventPuller{events: []binlog.TypedEvent{
		{Data: tm},
		{Data: rows1},
		{Data: rows2}, // no TableMap re-sent: must fail
	}}
	src := NewTableDiffSource(puller)

	if _, err := src.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Next(context.Background()); err == nil {
		t.Fatal("expected a TableDiffError: table map was consumed by the first rows event")
	}
}

func TestRowKindOf(t *testing.T) {
	cases := []struct {
		in   binlog.RowsKind
		want RowKind
	}{
		{binlog.RowsWrite, Insert},
		{binlog.RowsDelete, Delete},
		{binlog.RowsUpdate, Update},
	}
	for _, tc := range cases {
		got, err := rowKindOf(tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("rowKindOf(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := rowKindOf(binlog.RowsKind(99)); err == nil {
		t.Fatal("expected an error for an unrecognized RowsKind")
	}
}
