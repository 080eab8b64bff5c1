package binlog

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func putUint48(b []byte, v uint64) {
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// buildHeader assembles a 19-byte common header window prefix.
func buildHeader(typ EventType, timestamp, serverID, eventSize, logPos uint32, flags uint16) []byte {
	buf := make([]byte, 19)
	binary.LittleEndian.PutUint32(buf[0:4], timestamp)
	buf[4] = byte(typ)
	binary.LittleEndian.PutUint32(buf[5:9], serverID)
	binary.LittleEndian.PutUint32(buf[9:13], eventSize)
	binary.LittleEndian.PutUint32(buf[13:17], logPos)
	binary.LittleEndian.PutUint16(buf[17:19], flags)
	return buf
}

func buildFDEWindow(serverVersion string, postHeaderLen []byte) []byte {
	body := make([]byte, 0, 2+50+4+1+len(postHeaderLen)+5)
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], 4)
	body = append(body, tmp[:]...)

	versionField := make([]byte, 50)
	copy(versionField, serverVersion)
	body = append(body, versionField...)

	var created [4]byte
	binary.LittleEndian.PutUint32(created[:], 0)
	body = append(body, created[:]...)

	body = append(body, 19) // common_header_len
	body = append(body, postHeaderLen...)
	body = append(body, 1, 0, 0, 0, 0) // checksum_algorithm + 4-byte placeholder

	eventSize := uint32(19 + len(body))
	header := buildHeader(FormatDescriptionEvent, 1749148873, 1, eventSize, 256, 0)
	return append(header, body...)
}

func TestDecodeEventFormatDescription(t *testing.T) {
	postHeaderLen := make([]byte, 167)
	postHeaderLen[TableMapEventType-1] = 8
	window := buildFDEWindow("8.0.41", postHeaderLen)

	f := NewFormatState()
	ev, err := DecodeEvent(window, f)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.Data.(FormatDescriptionData)
	if !ok {
		t.Fatalf("got %T, want FormatDescriptionData", ev.Data)
	}
	if d.BinlogVersion != 4 {
		t.Fatalf("binlog_version = %d, want 4", d.BinlogVersion)
	}
	if d.ServerVersion != "8.0.41" {
		t.Fatalf("server_version = %q", d.ServerVersion)
	}
	if d.CommonHeaderLen != 19 {
		t.Fatalf("common_header_len = %d, want 19", d.CommonHeaderLen)
	}
	if !d.HasChecksum {
		t.Fatal("expected HasChecksum = true for server version 8.0.41")
	}
	if len(d.PostHeaderLen) != 167 {
		t.Fatalf("post_header_len table length = %d, want 167", len(d.PostHeaderLen))
	}
	if ev.Header.Timestamp != 1749148873 {
		t.Fatalf("timestamp = %d", ev.Header.Timestamp)
	}

	applyFormatState(f, ev)
	if !f.HasChecksum || f.CommonHeaderLen != 19 {
		t.Fatal("applyFormatState did not carry FDE fields forward")
	}
}

func TestDecodeEventRotate(t *testing.T) {
	f := NewFormatState()
	f.PostHeaderLen = make([]byte, 167)
	f.PostHeaderLen[RotateEventType-1] = 8

	ident := "mysql-bin.000121"
	var pos [8]byte
	binary.LittleEndian.PutUint64(pos[:], 16777220)
	body := append(append([]byte{}, pos[:]...), []byte(ident)...)
	checksum := []byte{0, 0, 0, 0}
	body = append(body, checksum...)

	eventSize := uint32(19 + len(body))
	header := buildHeader(RotateEventType, 1749148900, 1, eventSize, eventSize, 0)
	window := append(header, body...)

	ev, err := DecodeEvent(window, f)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.Data.(RotateData)
	if !ok {
		t.Fatalf("got %T, want RotateData", ev.Data)
	}
	if d.Pos != 16777220 {
		t.Fatalf("pos = %d, want 16777220", d.Pos)
	}
	if d.NewLogIdent != ident {
		t.Fatalf("new_log_ident = %q, want %q", d.NewLogIdent, ident)
	}
	if d.Flags != DupName {
		t.Fatalf("flags = %d, want %d", d.Flags, DupName)
	}
}

func buildTableMapWindow(f *FormatState, dbName, tableName string, columnTypes []byte, columnNames []string, primaryKeyIdx []uint16, signedness []byte) []byte {
	var body bytes.Buffer
	var tableID [6]byte
	putUint48(tableID[:], 16505592941074)
	body.Write(tableID[:])
	body.WriteByte(0) // flags low byte
	body.WriteByte(0) // flags high byte

	writePackedString := func(s string) {
		body.WriteByte(byte(len(s)))
		body.WriteString(s)
		body.WriteByte(0)
	}
	writePackedString(dbName)
	writePackedString(tableName)

	body.WriteByte(byte(len(columnTypes))) // column_count (lenenc, small)
	body.Write(columnTypes)

	body.WriteByte(0) // field_metadata size = 0 (left empty even for VARCHAR; the decoder only stores these bytes)

	nullBitsLen := (len(columnTypes) + 7) / 8
	body.Write(make([]byte, nullBitsLen))

	// optional metadata: tag 8 (simple primary key), tag 4 (column names), tag 1 (signedness)
	body.WriteByte(8)
	body.WriteByte(byte(len(primaryKeyIdx)))
	for _, idx := range primaryKeyIdx {
		body.WriteByte(byte(idx))
	}

	var namesBuf bytes.Buffer
	for _, n := range columnNames {
		namesBuf.WriteByte(byte(len(n)))
		namesBuf.WriteString(n)
	}
	body.WriteByte(4)
	body.WriteByte(byte(namesBuf.Len()))
	body.Write(namesBuf.Bytes())

	body.WriteByte(1)
	body.WriteByte(byte(len(signedness)))
	body.Write(signedness)

	body.Write([]byte{0, 0, 0, 0}) // checksum placeholder

	eventSize := uint32(19 + body.Len())
	header := buildHeader(TableMapEventType, 1749148950, 1, eventSize, eventSize, 0)
	return append(header, body.Bytes()...)
}

func TestDecodeEventTableMap(t *testing.T) {
	f := NewFormatState()
	f.PostHeaderLen = make([]byte, 167)
	f.PostHeaderLen[TableMapEventType-1] = 8

	columnTypes := []byte{0x08, 0x0f} // LONGLONG, VARCHAR
	window := buildTableMapWindow(f, "e_store", "brands", columnTypes, []string{"_id", "name"}, []uint16{0}, []byte{0x80})

	ev, err := DecodeEvent(window, f)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.Data.(TableMapData)
	if !ok {
		t.Fatalf("got %T, want TableMapData", ev.Data)
	}
	if d.DBName != "e_store" || d.TableName != "brands" {
		t.Fatalf("db/table = %s/%s", d.DBName, d.TableName)
	}
	if !bytes.Equal(d.ColumnTypes, columnTypes) {
		t.Fatalf("column_types = %v, want %v", d.ColumnTypes, columnTypes)
	}
	if d.TableID != 16505592941074 {
		t.Fatalf("table_id = %d, want 16505592941074", d.TableID)
	}

	names, err := d.ColumnNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "_id" || names[1] != "name" {
		t.Fatalf("column_names = %v", names)
	}

	pk, err := d.SimplePrimaryKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(pk) != 1 || pk[0] != 0 {
		t.Fatalf("primary_key = %v, want [0]", pk)
	}

	signedness, err := d.Signedness()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(signedness, []byte{0x80}) {
		t.Fatalf("signedness = %v, want [0x80]", signedness)
	}
}

func TestDecodeEventWriteRows(t *testing.T) {
	f := NewFormatState()
	f.PostHeaderLen = make([]byte, 167)
	f.PostHeaderLen[WriteRowsEventV2-1] = 10

	var body bytes.Buffer
	var tableID [6]byte
	putUint48(tableID[:], 16505592941074)
	body.Write(tableID[:])
	body.WriteByte(1) // flags low
	body.WriteByte(0) // flags high
	body.WriteByte(2) // var_header_len low (==2, no extra fields)
	body.WriteByte(0)
	body.WriteByte(2) // column count (lenenc small value) = width
	body.WriteByte(0x03)
	body.Write([]byte{1, 2, 3, 4}) // opaque row payload
	body.Write([]byte{0, 0, 0, 0}) // checksum placeholder

	eventSize := uint32(19 + body.Len())
	header := buildHeader(WriteRowsEventV2, 1749149000, 1, eventSize, eventSize, 1)
	window := append(header, body.Bytes()...)

	ev, err := DecodeEvent(window, f)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.Data.(RowsData)
	if !ok {
		t.Fatalf("got %T, want RowsData", ev.Data)
	}
	if d.Kind != RowsWrite {
		t.Fatalf("kind = %v, want RowsWrite", d.Kind)
	}
	if d.TableID != 16505592941074 {
		t.Fatalf("table_id = %d", d.TableID)
	}
	if d.Flags != 1 {
		t.Fatalf("flags = %d, want 1", d.Flags)
	}
	if d.Width != 2 {
		t.Fatalf("width = %d, want 2", d.Width)
	}
	if !bytes.Equal(d.ColumnsBeforeImage, []byte{0x03}) {
		t.Fatalf("columns_before_image = %v, want [0x03]", d.ColumnsBeforeImage)
	}
	if !bytes.Equal(d.ColumnsAfterImage, []byte{0x03}) {
		t.Fatalf("columns_after_image = %v, want [0x03]", d.ColumnsAfterImage)
	}
	if !bytes.Equal(d.RowPayload, []byte{1, 2, 3, 4}) {
		t.Fatalf("row_payload = %v", d.RowPayload)
	}
}

func TestDecodeEventFormatDescriptionRejectsShortHeader(t *testing.T) {
	postHeaderLen := make([]byte, 10)
	window := buildFDEWindow("8.0.41", postHeaderLen)
	// Corrupt common_header_len to an invalid value below the wire minimum.
	window[19+2+50+4] = 10

	f := NewFormatState()
	if _, err := DecodeEvent(window, f); err == nil {
		t.Fatal("expected a ProtocolError for common_header_len < 19")
	} else if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
}
