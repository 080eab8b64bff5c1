package cdc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"testing"

	binlog "cdcbridge"
	"cdcbridge/docstore"
)

// scriptedEventPuller replays a fixed TypedEvent sequence, returning io.EOF
// once exhausted -- unlike tablediff_test.go's fakeEventPuller, which
// signals exhaustion with context.Canceled to test a different failure
// path, this one needs the success-termination contract Pipeline.Run
// expects (io.EOF, not a generic error).
type scriptedEventPuller struct {
	events []binlog.TypedEvent
	i      int
}

func (s *scriptedEventPuller) Next(ctx context.Context) (binlog.TypedEvent, error) {
	if s.i >= len(s.events) {
		return binlog.TypedEvent{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

// minMaxRow is one row of e_store.table, matching the shape of the spec's
// recorded test2.bin fixture: a primary key plus one column per numeric
// width and a couple of string columns, exercising every branch of
// decodeRestrictedValue except FLOAT; all non-PK numeric columns are signed.
type minMaxRow struct {
	id           uint64
	smallVarchar string
	sTinyint     int8
	sSmallint    int16
	sMedium      int32
	sInt         int32
	sBigint      int64
	double       float64
	boolVal      bool
	char         string
	bigVarchar   string
}

func encodeMinMaxRow(r minMaxRow) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // null bitmap byte covering columns 0-7, none null
	buf.WriteByte(0x00) // null bitmap byte covering columns 8-10, none null

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], r.id)
	buf.Write(u64[:])

	buf.Write(varcharField(r.smallVarchar))

	buf.WriteByte(byte(r.sTinyint))

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(r.sSmallint))
	buf.Write(u16[:])

	var u24 [3]byte
	v24 := uint32(r.sMedium) & 0x00ffffff
	u24[0] = byte(v24)
	u24[1] = byte(v24 >> 8)
	u24[2] = byte(v24 >> 16)
	buf.Write(u24[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(r.sInt))
	buf.Write(u32[:])

	var s64 [8]byte
	binary.LittleEndian.PutUint64(s64[:], uint64(r.sBigint))
	buf.Write(s64[:])

	var f64 [8]byte
	binary.LittleEndian.PutUint64(f64[:], math.Float64bits(r.double))
	buf.Write(f64[:])

	if r.boolVal {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(byte(len(r.char)))
	buf.WriteString(r.char)

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(r.bigVarchar)))
	buf.Write(lenBuf[:])
	buf.WriteString(r.bigVarchar)

	return buf.Bytes()
}

// minMaxTableMap builds the TableMapData for e_store.table: _id plus ten
// columns spanning every restricted numeric width, a fixed-length CHAR, and
// both a short and a long VARCHAR.
func minMaxTableMap(tableID uint64) binlog.TableMapData {
	return binlog.TableMapData{
		TableID:     tableID,
		DBName:      "e_store",
		TableName:   "table",
		ColumnCount: 11,
		ColumnTypes: []byte{
			colLONGLONG, // _id
			colVARCHAR,  // small_varchar
			colTINY,     // s_tinyint
			colSHORT,    // s_smallint
			colINT24,    // s_medium
			colLONG,     // s_int
			colLONGLONG, // s_bigint
			colDOUBLE,   // double
			colBOOL,     // bool
			colSTRING,   // char
			colVARCHAR,  // big_varchar
		},
		FieldMetadata: []byte{
			0x14, 0x00, // small_varchar: max length 20
			8,                // double: placeholder pack-length byte
			byte(colSTRING), 16, // char: real type + declared length
			0xe8, 0x03, // big_varchar: max length 1000 (needs a 2-byte length prefix)
		},
		NullBits: []byte{0x00, 0x00},
		OptionalMetadata: buildOptionalMetadata([]struct {
			tag     byte
			payload []byte
		}{
			{tag: 8, payload: []byte{0x00}}, // simple primary key: column 0
			{tag: 4, payload: packedStrings(
				"_id", "small_varchar", "s_tinyint", "s_smallint", "s_medium",
				"s_int", "s_bigint", "double", "bool", "char", "big_varchar",
			)},
			{tag: 1, payload: []byte{0x80}}, // signedness: _id unsigned, rest signed
		}),
	}
}

func TestPipelineReproducesTest2BinFixture(t *testing.T) {
	tm := minMaxTableMap(101)

	inserted := []minMaxRow{
		{
			id: 1, smallVarchar: "min", sTinyint: -128, sSmallint: -32768,
			sMedium: -8388608, sInt: -2147483648, sBigint: -9223372036854775808,
			double: -1.7e+308, boolVal: false, char: "char_min        ", bigVarchar: "minimal",
		},
		{
			id: 2, smallVarchar: "max", sTinyint: 127, sSmallint: 32767,
			sMedium: 8388607, sInt: 2147483647, sBigint: 9223372036854775807,
			double: 1.7e+308, boolVal: true, char: "char_max        ", bigVarchar: "maximal",
		},
		{
			id: 3, smallVarchar: "three", sTinyint: 3, sSmallint: 3, sMedium: 3,
			sInt: 3, sBigint: 3, double: 3.0, boolVal: false, char: "three           ", bigVarchar: "three",
		},
		{
			id: 4, smallVarchar: "four", sTinyint: 4, sSmallint: 4, sMedium: 4,
			sInt: 4, sBigint: 4, double: 4.0, boolVal: false, char: "four            ", bigVarchar: "four",
		},
		{
			id: 6, smallVarchar: "old", sTinyint: 6, sSmallint: 6, sMedium: 6,
			sInt: 6, sBigint: 6, double: 6.0, boolVal: false, char: "old             ", bigVarchar: "old",
		},
		{
			id: 7, smallVarchar: "seven", sTinyint: 7, sSmallint: 7, sMedium: 7,
			sInt: 7, sBigint: 7, double: 7.0, boolVal: false, char: "seven           ", bigVarchar: "seven",
		},
	}
	var insertPayload []byte
	for _, r := range inserted {
		insertPayload = append(insertPayload, encodeMinMaxRow(r)...)
	}

	updateBefore := inserted[4] // _id=6, the "old" row inserted above
	updateAfter := minMaxRow{
		id: 6, smallVarchar: "upd", sTinyint: 100, sSmallint: 300, sMedium: 500,
		sInt: 700, sBigint: 900, double: 0.12345, boolVal: false,
		char: "c               ", bigVarchar: "b",
	}
	var updatePayload []byte
	updatePayload = append(updatePayload, encodeMinMaxRow(updateBefore)...)
	updatePayload = append(updatePayload, encodeMinMaxRow(updateAfter)...)

	puller := &scriptedEventPuller{events: []binlog.TypedEvent{
		{Data: tm},
		{Data: binlog.RowsData{Kind: binlog.RowsWrite, TableID: 101, Width: 11, RowPayload: insertPayload}},
		{Data: tm},
		{Data: binlog.RowsData{Kind: binlog.RowsUpdate, TableID: 101, Width: 11, RowPayload: updatePayload}},
	}}

	store := docstore.New()
	if err := store.EnsureDatabase("e_store"); err != nil {
		t.Fatal(err)
	}
	sink := NewDocumentSink(store)
	diffs := NewTableDiffSource(puller)
	p := NewPipeline(diffs, sink, nil)

	if err := p.Run(context.Background()); err != io.EOF {
		t.Fatalf("pipeline run: got %v, want io.EOF", err)
	}

	docs := store.Collection("e_store", "table")
	if len(docs) != 6 {
		t.Fatalf("got %d documents, want 6", len(docs))
	}

	byID := make(map[string]map[string]interface{}, len(docs))
	for _, d := range docs {
		byID[d["_id"].(string)] = d
	}
	wantIDs := []uint64{1, 2, 3, 4, 6, 7}
	for _, id := range wantIDs {
		key := idKey(id)
		if _, ok := byID[key]; !ok {
			t.Fatalf("missing document for _id=%d", id)
		}
	}

	min := byID[idKey(1)]
	if min["big_varchar"] != "minimal" || min["bool"] != false || min["char"] != "char_min        " {
		t.Fatalf("_id=1 row = %+v", min)
	}
	if min["double"] != -1.7e+308 || min["s_bigint"] != int64(-9223372036854775808) {
		t.Fatalf("_id=1 numeric fields = %+v", min)
	}
	if min["s_int"] != int64(-2147483648) || min["small_varchar"] != "min" {
		t.Fatalf("_id=1 numeric fields = %+v", min)
	}
	if min["s_medium"] != int64(-8388608) || min["s_smallint"] != int64(-32768) || min["s_tinyint"] != int64(-128) {
		t.Fatalf("_id=1 numeric fields = %+v", min)
	}

	max := byID[idKey(2)]
	if max["s_bigint"] != int64(9223372036854775807) || max["double"] != 1.7e+308 || max["char"] != "char_max        " {
		t.Fatalf("_id=2 row = %+v", max)
	}

	updated := byID[idKey(6)]
	if updated["small_varchar"] != "upd" || updated["s_tinyint"] != int64(100) || updated["s_smallint"] != int64(300) {
		t.Fatalf("_id=6 updated row = %+v", updated)
	}
	if updated["s_medium"] != int64(500) || updated["s_int"] != int64(700) || updated["s_bigint"] != int64(900) {
		t.Fatalf("_id=6 updated row = %+v", updated)
	}
	if updated["double"] != 0.12345 || updated["bool"] != false || updated["char"] != "c               " || updated["big_varchar"] != "b" {
		t.Fatalf("_id=6 updated row = %+v", updated)
	}
}

// idKey mirrors decodeRow's "%024d"-padded _id string representation.
func idKey(id uint64) string {
	return fmt.Sprintf("%024d", id)
}
