package cdc

import (
	"bytes"
	"fmt"
	"testing"

	binlog "cdcbridge"
	"cdcbridge/docstore"
)

func varcharField(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

func productsDiff(kind RowKind, rowPayload []byte) TableDiff {
	return TableDiff{
		Kind:              kind,
		Database:          "e_store",
		Table:             "products",
		ColumnTypes:       []byte{8, 15}, // LONGLONG, VARCHAR
		ColumnMetatypes:   []byte{0xff, 0x00},
		ColumnNames:       []string{"_id", "name"},
		PrimaryKeyIndices: []uint16{0},
		Signedness:        []byte{0x80},
		RowPayload:        rowPayload,
		Width:             2,
	}
}

func buildRow(id uint64, name string, null bool) []byte {
	var buf bytes.Buffer
	if null {
		buf.WriteByte(0x02) // bit 1 set: name column is null
	} else {
		buf.WriteByte(0x00)
	}
	var idBytes [8]byte
	putU64(idBytes[:], id)
	buf.Write(idBytes[:])
	if !null {
		buf.Write(varcharField(name))
	}
	return buf.Bytes()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func TestDocumentSinkInsert(t *testing.T) {
	store := docstore.New()
	if err := store.EnsureDatabase("e_store"); err != nil {
		t.Fatal(err)
	}
	sink := NewDocumentSink(store)

	var payload []byte
	payload = append(payload, buildRow(1, "Acme Widget", false)...)
	payload = append(payload, buildRow(2, "Globex Gadget", false)...)
	diff := productsDiff(Insert, payload)

	if err := sink.Put(diff); err != nil {
		t.Fatal(err)
	}

	docs := store.Collection("e_store", "products")
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	want := map[string]string{
		fmt.Sprintf("%024d", 1): "Acme Widget",
		fmt.Sprintf("%024d", 2): "Globex Gadget",
	}
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		name, _ := doc["name"].(string)
		if want[id] != name {
			t.Fatalf("doc _id=%s name=%q, want %q", id, name, want[id])
		}
	}
}

func TestDocumentSinkDelete(t *testing.T) {
	store := docstore.New()
	store.EnsureDatabase("e_store")
	sink := NewDocumentSink(store)

	insertPayload := buildRow(3, "Doomed Widget", false)
	if err := sink.Put(productsDiff(Insert, insertPayload)); err != nil {
		t.Fatal(err)
	}
	if len(store.Collection("e_store", "products")) != 1 {
		t.Fatal("expected the insert to land first")
	}

	deletePayload := buildRow(3, "Doomed Widget", false)
	if err := sink.Put(productsDiff(Delete, deletePayload)); err != nil {
		t.Fatal(err)
	}
	if len(store.Collection("e_store", "products")) != 0 {
		t.Fatal("expected the document to be deleted")
	}
}

func TestDocumentSinkUpdate(t *testing.T) {
	store := docstore.New()
	store.EnsureDatabase("e_store")
	sink := NewDocumentSink(store)

	if err := sink.Put(productsDiff(Insert, buildRow(6, "Old Name", false))); err != nil {
		t.Fatal(err)
	}

	var updatePayload []byte
	updatePayload = append(updatePayload, buildRow(6, "Old Name", false)...) // before
	updatePayload = append(updatePayload, buildRow(6, "New Name", false)...) // after
	if err := sink.Put(productsDiff(Update, updatePayload)); err != nil {
		t.Fatal(err)
	}

	docs := store.Collection("e_store", "products")
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0]["name"] != "New Name" {
		t.Fatalf("name = %v, want %q", docs[0]["name"], "New Name")
	}
	if docs[0]["_id"] != fmt.Sprintf("%024d", 6) {
		t.Fatalf("_id = %v", docs[0]["_id"])
	}
}

func TestDocumentSinkUpdateWithNullAfterName(t *testing.T) {
	store := docstore.New()
	store.EnsureDatabase("e_store")
	sink := NewDocumentSink(store)

	if err := sink.Put(productsDiff(Insert, buildRow(9, "Has A Name", false))); err != nil {
		t.Fatal(err)
	}
	var updatePayload []byte
	updatePayload = append(updatePayload, buildRow(9, "Has A Name", false)...)
	updatePayload = append(updatePayload, buildRow(9, "", true)...)
	if err := sink.Put(productsDiff(Update, updatePayload)); err != nil {
		t.Fatal(err)
	}
	docs := store.Collection("e_store", "products")
	if docs[0]["name"] != nil {
		t.Fatalf("name = %v, want nil", docs[0]["name"])
	}
}

func TestCheckPrimaryKeyContractRejectsMultiplePKColumns(t *testing.T) {
	diff := productsDiff(Insert, nil)
	diff.PrimaryKeyIndices = []uint16{0, 1}
	if _, err := checkPrimaryKeyContract(diff); err == nil {
		t.Fatal("expected a SinkError for a composite primary key")
	} else if _, ok := err.(*SinkError); !ok {
		t.Fatalf("got %T, want *SinkError", err)
	}
}

func TestCheckPrimaryKeyContractRejectsWrongName(t *testing.T) {
	diff := productsDiff(Insert, nil)
	diff.ColumnNames = []string{"id", "name"}
	if _, err := checkPrimaryKeyContract(diff); err == nil {
		t.Fatal("expected a SinkError when the primary key column is not named _id")
	}
}

func TestCheckPrimaryKeyContractRejectsNonLonglong(t *testing.T) {
	diff := productsDiff(Insert, nil)
	diff.ColumnTypes = []byte{3, 15} // LONG instead of LONGLONG
	if _, err := checkPrimaryKeyContract(diff); err == nil {
		t.Fatal("expected a SinkError when the primary key column is not LONGLONG")
	}
}

func TestCheckPrimaryKeyContractRejectsSigned(t *testing.T) {
	diff := productsDiff(Insert, nil)
	diff.Signedness = []byte{0x00} // signed
	if _, err := checkPrimaryKeyContract(diff); err == nil {
		t.Fatal("expected a SinkError when the primary key column is signed")
	}
}

func TestDocumentSinkRejectsUnknownColumnType(t *testing.T) {
	store := docstore.New()
	store.EnsureDatabase("e_store")
	sink := NewDocumentSink(store)

	diff := productsDiff(Insert, buildRow(1, "x", false))
	diff.ColumnTypes = []byte{8, 250} // 250 is not in the restricted table
	diff.ColumnMetatypes = nil
	if err := sink.Put(diff); err == nil {
		t.Fatal("expected a SinkError for an unrecognized column type")
	} else if _, ok := err.(*SinkError); !ok {
		t.Fatalf("got %T, want *SinkError", err)
	}
}

func TestDecodeRestrictedValueNumericTypes(t *testing.T) {
	c := binlog.NewByteCursor([]byte{0x7f})
	v, err := decodeRestrictedValue(colTINY, false, nil, c)
	if err != nil {
		t.Fatal(err)
	}
	if v.(int64) != 127 {
		t.Fatalf("got %v, want 127", v)
	}

	c2 := binlog.NewByteCursor([]byte{0xff})
	v2, err := decodeRestrictedValue(colTINY, true, nil, c2)
	if err != nil {
		t.Fatal(err)
	}
	if v2.(uint64) != 255 {
		t.Fatalf("got %v, want 255", v2)
	}
}
