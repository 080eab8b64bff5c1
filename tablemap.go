package binlog

// TableMapData is the decoded body of a TableMap event: enough of the
// table's schema (as the originating server saw it) to interpret the rows
// of a following Rows event for the same table id.
//
// Grounded on the teacher's rbr.go TableMapEvent.decode, restructured per
// the component design to keep column_types/field_metadata/null_bits and
// the optional-metadata block as raw byte slices rather than eagerly
// decoding Column values — TableDiffSource and DocumentSink do that later,
// against their own restricted type tables.
type TableMapData struct {
	TableID          uint64
	Flags            uint16
	DBName           string
	TableName        string
	ColumnCount      uint64
	ColumnTypes      []byte
	FieldMetadata    []byte
	NullBits         []byte
	OptionalMetadata []byte
}

// OptionalMetadataTag identifies a TLV entry in TableMapData.OptionalMetadata.
type OptionalMetadataTag byte

const (
	TagSignedness               OptionalMetadataTag = 1
	TagDefaultCharset           OptionalMetadataTag = 2
	TagColumnCharset            OptionalMetadataTag = 3
	TagColumnName               OptionalMetadataTag = 4
	TagSetStrValue              OptionalMetadataTag = 5
	TagEnumStrValue             OptionalMetadataTag = 6
	TagGeometryType             OptionalMetadataTag = 7
	TagSimplePrimaryKey         OptionalMetadataTag = 8
	TagPrimaryKeyWithPrefix     OptionalMetadataTag = 9
	TagEnumAndSetDefaultCharset OptionalMetadataTag = 10
	TagEnumAndSetColumnCharset  OptionalMetadataTag = 11
	TagColumnVisibility         OptionalMetadataTag = 12
)

func tableIDWidth(f *FormatState) int {
	// The original source has contradictory branches for this; the test
	// vector pins down PHL!=6 -> 6 bytes, PHL==6 -> 4 bytes.
	if f.PostHeaderLength(TableMapEventType, 6) != 6 {
		return 6
	}
	return 4
}

func decodeTableMap(c *ByteCursor, f *FormatState) (TableMapData, error) {
	var d TableMapData
	var err error
	if d.TableID, err = c.ReadUint(tableIDWidth(f)); err != nil {
		return d, err
	}
	if d.Flags, err = c.ReadU16(); err != nil {
		return d, err
	}
	dbLen, _, err := c.ReadPackedInt()
	if err != nil {
		return d, err
	}
	dbBytes, err := c.ReadInto(int(dbLen) + 1) // +1 for trailing NUL
	if err != nil {
		return d, err
	}
	d.DBName = string(dbBytes[:len(dbBytes)-1])

	tableLen, _, err := c.ReadPackedInt()
	if err != nil {
		return d, err
	}
	tableBytes, err := c.ReadInto(int(tableLen) + 1)
	if err != nil {
		return d, err
	}
	d.TableName = string(tableBytes[:len(tableBytes)-1])

	colCount, _, err := c.ReadPackedInt()
	if err != nil {
		return d, err
	}
	d.ColumnCount = colCount
	if d.ColumnTypes, err = c.ReadInto(int(colCount)); err != nil {
		return d, err
	}
	if c.Available() == 0 {
		return d, nil
	}
	metaSize, _, err := c.ReadPackedInt()
	if err != nil {
		return d, err
	}
	if metaSize > 4*colCount {
		return d, protocolErrorf("table_map metadata length %d exceeds 4*column_count (%d)", metaSize, 4*colCount)
	}
	if d.FieldMetadata, err = c.ReadInto(int(metaSize)); err != nil {
		return d, err
	}
	nullBitsLen := int((colCount + 7) / 8)
	if d.NullBits, err = c.ReadInto(nullBitsLen); err != nil {
		return d, err
	}
	d.OptionalMetadata = c.ReadRest()
	return d, nil
}

// SimplePrimaryKey parses tag 8 of OptionalMetadata: a sequence of
// packed-integer column indices. The teacher's rbr.go fell through to the
// default skip(size) branch for this tag and never parsed it; this project
// needs it for the primary-key contract, so it is implemented fresh here
// following the same TLV-walking pattern the teacher uses for the tags it
// does parse (1, 2, 3, 4, 5, 6, 10, 11).
func (d TableMapData) SimplePrimaryKey() ([]uint16, error) {
	var indices []uint16
	err := d.walkOptionalMetadata(func(tag OptionalMetadataTag, payload []byte) error {
		if tag != TagSimplePrimaryKey {
			return nil
		}
		c := NewByteCursor(payload)
		for c.Available() > 0 {
			v, _, err := c.ReadPackedInt()
			if err != nil {
				return err
			}
			indices = append(indices, uint16(v))
		}
		return nil
	})
	return indices, err
}

// Signedness parses tag 1: an MSB-first bitstring with one bit per numeric
// column, in declaration order.
func (d TableMapData) Signedness() ([]byte, error) {
	var out []byte
	err := d.walkOptionalMetadata(func(tag OptionalMetadataTag, payload []byte) error {
		if tag == TagSignedness {
			out = payload
		}
		return nil
	})
	return out, err
}

// ColumnNames parses tag 4: one packed-length UTF-8 name per column.
func (d TableMapData) ColumnNames() ([]string, error) {
	var names []string
	err := d.walkOptionalMetadata(func(tag OptionalMetadataTag, payload []byte) error {
		if tag != TagColumnName {
			return nil
		}
		c := NewByteCursor(payload)
		for c.Available() > 0 {
			s, err := c.ReadPackedString()
			if err != nil {
				return err
			}
			names = append(names, s)
		}
		return nil
	})
	return names, err
}

func (d TableMapData) walkOptionalMetadata(fn func(tag OptionalMetadataTag, payload []byte) error) error {
	c := NewByteCursor(d.OptionalMetadata)
	for c.Available() > 0 {
		tagByte, err := c.ReadU8()
		if err != nil {
			return err
		}
		size, _, err := c.ReadPackedInt()
		if err != nil {
			return err
		}
		payload, err := c.ReadInto(int(size))
		if err != nil {
			return err
		}
		if err := fn(OptionalMetadataTag(tagByte), payload); err != nil {
			return err
		}
	}
	return nil
}
