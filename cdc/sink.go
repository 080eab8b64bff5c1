package cdc

import (
	"fmt"
	"math"

	binlog "cdcbridge"
)

// SinkError reports a DocumentSink-level failure: the primary-key contract
// was violated, a column declared a type the restricted table doesn't
// understand, or a primary-key value was null. Kept distinct from
// binlog.ProtocolError since these are translation-layer failures, not
// wire-format corruption.
type SinkError struct {
	msg string
}

func (e *SinkError) Error() string { return "cdc: sink: " + e.msg }

func sinkErrorf(format string, args ...interface{}) error {
	return &SinkError{msg: fmt.Sprintf(format, args...)}
}

// Restricted column-type codes DocumentSink understands, per the document
// construction table: every other declared type is a SinkError.
const (
	colTINY     = 1
	colSHORT    = 2
	colLONG     = 3
	colFLOAT    = 4
	colDOUBLE   = 5
	colLONGLONG = 8
	colINT24    = 9
	colVARCHAR  = 15
	colBOOL     = 244
	colSTRING   = 254
)

func isNumericColType(t byte) bool {
	switch t {
	case colTINY, colSHORT, colLONG, colFLOAT, colDOUBLE, colLONGLONG, colINT24, colBOOL:
		return true
	}
	return false
}

// metadataWidth returns how many bytes of field metadata a column of type t
// occupies in TableMap's field_metadata, used to keep the metadata cursor
// aligned across columns. Widths are known only for the restricted types;
// every other type counts as 0 bytes.
func metadataWidth(t byte) int {
	switch t {
	case colFLOAT, colDOUBLE:
		return 1
	case colVARCHAR:
		return 2
	case colSTRING:
		return 2
	default:
		return 0
	}
}

// DocumentSink implements C8: it turns a TableDiff into one or more Plans
// against a document store, applying the primary-key contract described in
// the document construction algorithm.
type DocumentSink struct {
	store DocStore
	seen  map[string]bool // "database.collection" pairs already ensured
}

// DocStore is the external document-store collaborator a sink pushes plans
// to. Implementations are responsible for lazily creating the
// (database, collection) pair and executing the plan.
type DocStore interface {
	EnsureDatabase(database string) error
	EnsureCollection(database, collection string) error
	Execute(plan Plan) error
}

// NewDocumentSink wraps store.
func NewDocumentSink(store DocStore) *DocumentSink {
	return &DocumentSink{store: store, seen: make(map[string]bool)}
}

// Put builds the documents for diff and executes the resulting plan(s)
// against the document store, creating the database/collection pair on
// first sight of it.
func (s *DocumentSink) Put(diff TableDiff) error {
	if err := s.ensure(diff.Database, diff.Table); err != nil {
		return err
	}

	pkIndex, err := checkPrimaryKeyContract(diff)
	if err != nil {
		return err
	}

	c := binlog.NewByteCursor(diff.RowPayload)
	switch diff.Kind {
	case Insert:
		var docs []map[string]interface{}
		for c.Available() > 0 {
			doc, err := decodeRow(diff, pkIndex, c)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return s.store.Execute(Plan{Op: OpInsertMany, Database: diff.Database, Collection: diff.Table, Docs: docs})
	case Delete:
		for c.Available() > 0 {
			doc, err := decodeRow(diff, pkIndex, c)
			if err != nil {
				return err
			}
			id := doc["_id"]
			plan := Plan{
				Op: OpDeleteOne, Database: diff.Database, Collection: diff.Table,
				Match: Match{Key: "_id", Param: 1}, Params: []interface{}{id},
			}
			if err := s.store.Execute(plan); err != nil {
				return err
			}
		}
		return nil
	case Update:
		for c.Available() > 0 {
			before, err := decodeRow(diff, pkIndex, c)
			if err != nil {
				return err
			}
			after, err := decodeRow(diff, pkIndex, c)
			if err != nil {
				return err
			}
			id := before["_id"]
			delete(after, "_id")
			plan := Plan{
				Op: OpUpdateOne, Database: diff.Database, Collection: diff.Table,
				Match: Match{Key: "_id", Param: 1}, Params: []interface{}{id},
				Setter: map[string]interface{}{"$set": after},
			}
			if err := s.store.Execute(plan); err != nil {
				return err
			}
		}
		return nil
	default:
		return sinkErrorf("unknown row kind %v", diff.Kind)
	}
}

func (s *DocumentSink) ensure(database, collection string) error {
	key := database + "." + collection
	if s.seen[key] {
		return nil
	}
	if err := s.store.EnsureDatabase(database); err != nil {
		return err
	}
	if err := s.store.EnsureCollection(database, collection); err != nil {
		return err
	}
	s.seen[key] = true
	return nil
}

// checkPrimaryKeyContract validates the table has exactly one PK column,
// named "_id", declared LONGLONG and unsigned, returning its index.
func checkPrimaryKeyContract(diff TableDiff) (int, error) {
	if len(diff.PrimaryKeyIndices) != 1 {
		return 0, sinkErrorf("table %s.%s: expected exactly one primary key column, got %d",
			diff.Database, diff.Table, len(diff.PrimaryKeyIndices))
	}
	pkIndex := int(diff.PrimaryKeyIndices[0])
	if pkIndex < 0 || pkIndex >= len(diff.ColumnNames) || diff.ColumnNames[pkIndex] != "_id" {
		return 0, sinkErrorf("table %s.%s: primary key column must be named \"_id\"", diff.Database, diff.Table)
	}
	if pkIndex >= len(diff.ColumnTypes) || diff.ColumnTypes[pkIndex] != colLONGLONG {
		return 0, sinkErrorf("table %s.%s: primary key column must be LONGLONG", diff.Database, diff.Table)
	}

	numericOrdinal := -1
	count := 0
	for i := 0; i <= pkIndex; i++ {
		if isNumericColType(diff.ColumnTypes[i]) {
			if i == pkIndex {
				numericOrdinal = count
			}
			count++
		}
	}
	if numericOrdinal < 0 {
		return 0, sinkErrorf("table %s.%s: primary key column has no signedness bit", diff.Database, diff.Table)
	}
	sign := binlog.NewBitCursor(diff.Signedness, binlog.BigEnd)
	for i := 0; i < numericOrdinal; i++ {
		if _, err := sign.Read(); err != nil {
			return 0, sinkErrorf("table %s.%s: signedness bitmap too short", diff.Database, diff.Table)
		}
	}
	unsigned, err := sign.Read()
	if err != nil {
		return 0, sinkErrorf("table %s.%s: signedness bitmap too short", diff.Database, diff.Table)
	}
	if !unsigned {
		return 0, sinkErrorf("table %s.%s: primary key column must be unsigned", diff.Database, diff.Table)
	}
	return pkIndex, nil
}

// decodeRow decodes one row image (null bitmap followed by non-null column
// values) starting at c's current position, advancing c past it.
func decodeRow(diff TableDiff, pkIndex int, c *binlog.ByteCursor) (map[string]interface{}, error) {
	width := int(diff.Width)
	nullBitmapLen := (width + 7) / 8
	nullBits, err := c.ReadInto(nullBitmapLen)
	if err != nil {
		return nil, sinkErrorf("%s.%s: truncated null bitmap: %v", diff.Database, diff.Table, err)
	}
	isNull := func(i int) bool {
		return (nullBits[i/8]>>uint(i%8))&1 == 1
	}

	types := binlog.NewByteCursor(diff.ColumnTypes)
	metas := binlog.NewByteCursor(diff.ColumnMetatypes)
	sign := binlog.NewBitCursor(diff.Signedness, binlog.BigEnd)

	doc := make(map[string]interface{})
	for i := 0; i < width; i++ {
		typ, err := types.ReadU8()
		if err != nil {
			return nil, sinkErrorf("%s.%s: column_types too short", diff.Database, diff.Table)
		}

		var unsigned bool
		if isNumericColType(typ) {
			unsigned, err = sign.Read()
			if err != nil {
				return nil, sinkErrorf("%s.%s: signedness bitmap too short", diff.Database, diff.Table)
			}
		}
		mw := metadataWidth(typ)
		metaBytes, err := metas.ReadInto(mw)
		if err != nil {
			return nil, sinkErrorf("%s.%s: field_metadata too short", diff.Database, diff.Table)
		}

		name := ""
		if i < len(diff.ColumnNames) {
			name = diff.ColumnNames[i]
		}

		if i == pkIndex {
			if isNull(i) {
				return nil, sinkErrorf("%s.%s: primary key value is null", diff.Database, diff.Table)
			}
			if typ != colLONGLONG || !unsigned {
				return nil, sinkErrorf("%s.%s: primary key column must be unsigned LONGLONG", diff.Database, diff.Table)
			}
			v, err := c.ReadU64()
			if err != nil {
				return nil, sinkErrorf("%s.%s: truncated primary key value", diff.Database, diff.Table)
			}
			doc["_id"] = fmt.Sprintf("%024d", v)
			continue
		}

		if isNull(i) {
			doc[name] = nil
			continue
		}

		v, err := decodeRestrictedValue(typ, unsigned, metaBytes, c)
		if err != nil {
			return nil, err
		}
		doc[name] = v
	}
	return doc, nil
}

func decodeRestrictedValue(typ byte, unsigned bool, meta []byte, c *binlog.ByteCursor) (interface{}, error) {
	switch typ {
	case colTINY:
		v, err := c.ReadU8()
		if err != nil {
			return nil, sinkErrorf("truncated tiny value")
		}
		if unsigned {
			return uint64(v), nil
		}
		return int64(int8(v)), nil
	case colSHORT:
		v, err := c.ReadU16()
		if err != nil {
			return nil, sinkErrorf("truncated short value")
		}
		if unsigned {
			return uint64(v), nil
		}
		return int64(int16(v)), nil
	case colINT24:
		v, err := c.ReadU24()
		if err != nil {
			return nil, sinkErrorf("truncated int24 value")
		}
		if unsigned {
			return uint64(v), nil
		}
		if v&0x00800000 != 0 {
			v |= 0xff000000
		}
		return int64(int32(v)), nil
	case colLONG:
		v, err := c.ReadU32()
		if err != nil {
			return nil, sinkErrorf("truncated long value")
		}
		if unsigned {
			return uint64(v), nil
		}
		return int64(int32(v)), nil
	case colLONGLONG:
		v, err := c.ReadU64()
		if err != nil {
			return nil, sinkErrorf("truncated longlong value")
		}
		if unsigned {
			return v, nil
		}
		return int64(v), nil
	case colFLOAT:
		v, err := c.ReadU32()
		if err != nil {
			return nil, sinkErrorf("truncated float value")
		}
		return float64(math.Float32frombits(v)), nil
	case colDOUBLE:
		v, err := c.ReadU64()
		if err != nil {
			return nil, sinkErrorf("truncated double value")
		}
		return math.Float64frombits(v), nil
	case colBOOL:
		v, err := c.ReadU8()
		if err != nil {
			return nil, sinkErrorf("truncated bool value")
		}
		return v != 0, nil
	case colVARCHAR:
		maxLen := uint16(0)
		if len(meta) == 2 {
			maxLen = uint16(meta[0]) | uint16(meta[1])<<8
		}
		var size int
		if maxLen <= 255 {
			n, err := c.ReadU8()
			if err != nil {
				return nil, sinkErrorf("truncated varchar length")
			}
			size = int(n)
		} else {
			n, err := c.ReadU16()
			if err != nil {
				return nil, sinkErrorf("truncated varchar length")
			}
			size = int(n)
		}
		b, err := c.ReadInto(size)
		if err != nil {
			return nil, sinkErrorf("truncated varchar value")
		}
		return string(b), nil
	case colSTRING:
		if len(meta) != 2 {
			return nil, sinkErrorf("missing STRING metadata")
		}
		realType := meta[0]
		if realType != colSTRING {
			return nil, sinkErrorf("Unknown type")
		}
		n, err := c.ReadU8()
		if err != nil {
			return nil, sinkErrorf("truncated string length")
		}
		b, err := c.ReadInto(int(n))
		if err != nil {
			return nil, sinkErrorf("truncated string value")
		}
		return string(b), nil
	default:
		return nil, sinkErrorf("Unknown type")
	}
}
