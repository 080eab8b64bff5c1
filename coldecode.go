package binlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// This file implements a full-fidelity column value decoder: given a
// column's declared type and metadata, it turns the raw bytes inside a
// Rows event row image into a Go value. DocumentSink in the cdc package
// deliberately only understands a restricted subset of these types (its own
// type table lives in cdc/sink.go); this decoder exists for the CLI's
// inspect subcommand, which dumps every column MySQL can declare for
// debugging, not just the ones the document-store sink accepts.
//
// Grounded on the teacher's types.go decodeValue switch, reworked to pull
// from a ByteCursor over one row's bytes instead of a stream-oriented
// reader, and to represent NEWDECIMAL with shopspring/decimal instead of a
// bespoke Decimal string type.

// ColumnType identifies a MySQL wire/binlog column type code.
//
// https://dev.mysql.com/doc/internals/en/com-query-response.html#packet-Protocol::ColumnType
type ColumnType uint8

const (
	TypeDecimal    ColumnType = 0x00
	TypeTiny       ColumnType = 0x01
	TypeShort      ColumnType = 0x02
	TypeLong       ColumnType = 0x03
	TypeFloat      ColumnType = 0x04
	TypeDouble     ColumnType = 0x05
	TypeNull       ColumnType = 0x06
	TypeTimestamp  ColumnType = 0x07
	TypeLongLong   ColumnType = 0x08
	TypeInt24      ColumnType = 0x09
	TypeDate       ColumnType = 0x0a
	TypeTime       ColumnType = 0x0b
	TypeDateTime   ColumnType = 0x0c
	TypeYear       ColumnType = 0x0d
	TypeNewDate    ColumnType = 0x0e
	TypeVarchar    ColumnType = 0x0f
	TypeBit        ColumnType = 0x10
	TypeTimestamp2 ColumnType = 0x11
	TypeDateTime2  ColumnType = 0x12
	TypeTime2      ColumnType = 0x13
	TypeJSON       ColumnType = 0xf5
	TypeNewDecimal ColumnType = 0xf6
	TypeEnum       ColumnType = 0xf7
	TypeSet        ColumnType = 0xf8
	TypeTinyBlob   ColumnType = 0xf9
	TypeMediumBlob ColumnType = 0xfa
	TypeLongBlob   ColumnType = 0xfb
	TypeBlob       ColumnType = 0xfc
	TypeVarString  ColumnType = 0xfd
	TypeString     ColumnType = 0xfe
	TypeGeometry   ColumnType = 0xff
)

var columnTypeNames = map[ColumnType]string{
	TypeDecimal: "decimal", TypeTiny: "tiny", TypeShort: "short", TypeLong: "long",
	TypeFloat: "float", TypeDouble: "double", TypeNull: "null", TypeTimestamp: "timestamp",
	TypeLongLong: "longLong", TypeInt24: "int24", TypeDate: "date", TypeTime: "time",
	TypeDateTime: "dateTime", TypeYear: "year", TypeNewDate: "newDate", TypeVarchar: "varchar",
	TypeBit: "bit", TypeTimestamp2: "timestamp2", TypeDateTime2: "dateTime2", TypeTime2: "time2",
	TypeJSON: "json", TypeNewDecimal: "newDecimal", TypeEnum: "enum", TypeSet: "set",
	TypeTinyBlob: "tinyBlob", TypeMediumBlob: "mediumBlob", TypeLongBlob: "longBlob",
	TypeBlob: "blob", TypeVarString: "varString", TypeString: "string", TypeGeometry: "geometry",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// DebugColumn describes one column's declared shape, as resolved from a
// TableMapData's ColumnTypes/FieldMetadata/Signedness for the inspect CLI.
type DebugColumn struct {
	Name     string
	Type     ColumnType
	Meta     uint16
	Unsigned bool
	Charset  uint16
	Values   []string // ENUM/SET permitted values, when known
}

// DecodeValue reads one value of col's type from c, per the binlog row
// image encoding.
func (col DebugColumn) DecodeValue(c *ByteCursor) (interface{}, error) {
	switch col.Type {
	case TypeTiny:
		v, err := c.ReadU8()
		if err != nil {
			return nil, err
		}
		if col.Unsigned {
			return v, nil
		}
		return int8(v), nil
	case TypeShort:
		v, err := c.ReadU16()
		if err != nil {
			return nil, err
		}
		if col.Unsigned {
			return v, nil
		}
		return int16(v), nil
	case TypeInt24:
		v, err := c.ReadU24()
		if err != nil {
			return nil, err
		}
		if col.Unsigned {
			return v, nil
		}
		if v&0x00800000 != 0 {
			v |= 0xff000000
		}
		return int32(v), nil
	case TypeLong:
		v, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		if col.Unsigned {
			return v, nil
		}
		return int32(v), nil
	case TypeLongLong:
		v, err := c.ReadU64()
		if err != nil {
			return nil, err
		}
		if col.Unsigned {
			return v, nil
		}
		return int64(v), nil
	case TypeFloat:
		v, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil
	case TypeDouble:
		v, err := c.ReadU64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case TypeNewDecimal:
		precision := int(byte(col.Meta))
		scale := int(byte(col.Meta >> 8))
		buf, err := c.ReadInto(decimalSize(precision, scale))
		if err != nil {
			return nil, err
		}
		return decodeNewDecimal(buf, precision, scale)
	case TypeVarchar, TypeString, TypeVarString:
		var size int
		if col.Meta < 256 {
			n, err := c.ReadU8()
			if err != nil {
				return nil, err
			}
			size = int(n)
		} else {
			n, err := c.ReadU16()
			if err != nil {
				return nil, err
			}
			size = int(n)
		}
		b, err := c.ReadInto(size)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case TypeEnum:
		switch col.Meta {
		case 1:
			v, err := c.ReadU8()
			return DebugEnum{uint16(v), col.Values}, err
		case 2:
			v, err := c.ReadU16()
			return DebugEnum{v, col.Values}, err
		default:
			return nil, protocolErrorf("invalid enum length %d", col.Meta)
		}
	case TypeSet:
		if col.Meta == 0 || col.Meta > 8 {
			return nil, protocolErrorf("invalid set byte count %d", col.Meta)
		}
		v, err := c.ReadUint(int(col.Meta))
		return DebugSet{v, col.Values}, err
	case TypeBit:
		nbits := ((col.Meta >> 8) * 8) + (col.Meta & 0xff)
		buf, err := c.ReadInto(int(nbits+7) / 8)
		if err != nil {
			return nil, err
		}
		return leUintBE(buf), nil
	case TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeGeometry:
		size, err := c.ReadUint(int(col.Meta))
		if err != nil {
			return nil, err
		}
		b, err := c.ReadInto(int(size))
		if err != nil {
			return nil, err
		}
		if col.Charset == 0 || col.Charset == 63 {
			return b, nil
		}
		return string(b), nil
	case TypeJSON:
		size, err := c.ReadUint(int(col.Meta))
		if err != nil {
			return nil, err
		}
		buf, err := c.ReadInto(int(size))
		if err != nil {
			return nil, err
		}
		v, err := new(jsonDecoder).decodeValue(buf)
		return DebugJSON{v}, err
	case TypeDate:
		v, err := c.ReadU24()
		if err != nil {
			return nil, err
		}
		var year, month, day uint32
		if v != 0 {
			year, month, day = v/(16*32), v/32%16, v%32
		}
		return time.Date(int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC), nil
	case TypeDateTime2:
		buf, err := c.ReadInto(5)
		if err != nil {
			return nil, err
		}
		dt := leUintBE(buf)
		ym := bitSliceBE(dt, 40, 1, 17)
		year, month := ym/13, ym%13
		day := bitSliceBE(dt, 40, 18, 5)
		hour := bitSliceBE(dt, 40, 23, 5)
		min := bitSliceBE(dt, 40, 28, 6)
		sec := bitSliceBE(dt, 40, 34, 6)
		frac, err := fractionalSeconds(col.Meta, c)
		if err != nil {
			return nil, err
		}
		return time.Date(year, time.Month(month), day, hour, min, sec, frac*1000, time.UTC), nil
	case TypeTimestamp2:
		buf, err := c.ReadInto(4)
		if err != nil {
			return nil, err
		}
		sec := binary.BigEndian.Uint32(buf)
		frac, err := fractionalSeconds(col.Meta, c)
		if err != nil {
			return nil, err
		}
		return time.Unix(int64(sec), int64(frac)*1000), nil
	case TypeTime2:
		buf, err := c.ReadInto(3)
		if err != nil {
			return nil, err
		}
		t := leUintBE(buf)
		sign := bitSliceBE(t, 24, 0, 1)
		hour := bitSliceBE(t, 24, 2, 10)
		min := bitSliceBE(t, 24, 12, 6)
		sec := bitSliceBE(t, 24, 18, 6)
		var frac int
		if sign == 0 {
			hour = ^hour & bitmask(10)
			min = ^min & bitmask(6)
			sec = ^sec & bitmask(6)
			frac, err = fractionalSecondsNegative(col.Meta, c)
			if err != nil {
				return nil, err
			}
			if frac == 0 && sec < 59 {
				sec++
			}
		} else {
			frac, err = fractionalSeconds(col.Meta, c)
			if err != nil {
				return nil, err
			}
		}
		v := time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute +
			time.Duration(sec)*time.Second + time.Duration(frac)*time.Microsecond
		if sign == 0 {
			v = -v
		}
		return v, nil
	case TypeYear:
		v, err := c.ReadU8()
		if err != nil {
			return nil, err
		}
		if v == 0 {
			return 0, nil
		}
		return 1900 + int(v), nil
	case TypeNull:
		return nil, nil
	}
	return nil, protocolErrorf("decode of mysql type %s is not implemented", col.Type)
}

func bitSliceBE(v uint64, bits, off, n int) int {
	v >>= uint(bits - (off + n))
	return int(v & ((1 << uint(n)) - 1))
}

func bitmask(n int) int { return (1 << uint(n)) - 1 }

func fractionalSeconds(meta uint16, c *ByteCursor) (int, error) {
	n := int(meta+1) / 2
	buf, err := c.ReadInto(n)
	if err != nil {
		return 0, err
	}
	return int(leUintBE(buf) * uint64(math.Pow(100, float64(3-n)))), nil
}

func fractionalSecondsNegative(meta uint16, c *ByteCursor) (int, error) {
	n := int(meta+1) / 2
	buf, err := c.ReadInto(n)
	if err != nil {
		return 0, err
	}
	v := int(leUintBE(buf))
	if v != 0 {
		bits := n * 8
		v = ^v & bitmask(bits)
		v = (v & ^bitmask(bits)) + 1
	}
	return v * int(math.Pow(100, float64(3-n))), nil
}

func leUintBE(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

// Decimal decode, adapted to return a shopspring/decimal.Decimal instead of
// a bespoke string type, per the ambient-stack choice of using the
// ecosystem's decimal library everywhere a NEWDECIMAL surfaces.

const digitsPerInteger = 9

var compressedByteLen = []int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

func decimalSize(precision, scale int) int {
	integral := precision - scale
	uncompIntegral := integral / digitsPerInteger
	uncompFractional := scale / digitsPerInteger
	compIntegral := integral - uncompIntegral*digitsPerInteger
	compFractional := scale - uncompFractional*digitsPerInteger
	return uncompIntegral*4 + compressedByteLen[compIntegral] +
		uncompFractional*4 + compressedByteLen[compFractional]
}

func decodeDecimalChunk(compIndex int, data []byte, mask byte) (size int, value uint32) {
	size = compressedByteLen[compIndex]
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = data[i] ^ mask
	}
	return size, uint32(leUintBE(buf))
}

func decodeNewDecimal(data []byte, precision, scale int) (decimal.Decimal, error) {
	integral := precision - scale
	uncompIntegral := integral / digitsPerInteger
	uncompFractional := scale / digitsPerInteger
	compIntegral := integral - uncompIntegral*digitsPerInteger
	compFractional := scale - uncompFractional*digitsPerInteger

	buf := append([]byte(nil), data...)

	var mask byte
	var out bytes.Buffer
	if buf[0]&0x80 == 0 {
		mask = 0xff
		out.WriteString("-")
	}
	buf[0] ^= 0x80

	pos, value := decodeDecimalChunk(compIntegral, buf, mask)
	out.WriteString(fmt.Sprintf("%d", value))
	for i := 0; i < uncompIntegral; i++ {
		value = binary.BigEndian.Uint32(buf[pos:]) ^ uint32From(mask)
		pos += 4
		out.WriteString(fmt.Sprintf("%09d", value))
	}
	out.WriteString(".")
	for i := 0; i < uncompFractional; i++ {
		value = binary.BigEndian.Uint32(buf[pos:]) ^ uint32From(mask)
		pos += 4
		out.WriteString(fmt.Sprintf("%09d", value))
	}
	if size, value := decodeDecimalChunk(compFractional, buf[pos:], mask); size > 0 {
		out.WriteString(fmt.Sprintf("%0*d", compFractional, value))
	}

	s := out.String()
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	for len(s) > 1 && s[0] == '0' && s[1] != '.' {
		s = s[1:]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	if neg {
		s = "-" + s
	}
	return decimal.NewFromString(s)
}

func uint32From(mask byte) uint32 {
	if mask == 0xff {
		return 0xffffffff
	}
	return 0
}

// DebugEnum and DebugSet mirror the teacher's Enum/Set helper types, kept
// under the coldecode name so the DocumentSink restricted-type table in the
// cdc package isn't tempted to reach for them.
type DebugEnum struct {
	Val    uint16
	Values []string
}

func (e DebugEnum) String() string {
	if len(e.Values) > 0 {
		if e.Val == 0 {
			return ""
		}
		return e.Values[e.Val-1]
	}
	return fmt.Sprintf("%d", e.Val)
}

type DebugSet struct {
	Val    uint64
	Values []string
}

func (s DebugSet) Members() []string {
	var m []string
	for i, v := range s.Values {
		if s.Val&(1<<uint(i)) != 0 {
			m = append(m, v)
		}
	}
	return m
}

func (s DebugSet) String() string {
	if len(s.Values) == 0 {
		return fmt.Sprintf("%d", s.Val)
	}
	return fmt.Sprintf("%v", s.Members())
}

// DebugJSON wraps a decoded binary-JSON value.
type DebugJSON struct{ Val interface{} }

// metadataWidthFull returns how many bytes of TableMap field_metadata a
// column of type t occupies, across the full MySQL type repertoire (the
// inspect CLI's concern) rather than just DocumentSink's restricted table.
func metadataWidthFull(t ColumnType) int {
	switch t {
	case TypeFloat, TypeDouble, TypeTimestamp2, TypeDateTime2, TypeTime2,
		TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeJSON, TypeGeometry:
		return 1
	case TypeVarchar, TypeVarString, TypeString, TypeEnum, TypeSet, TypeBit, TypeNewDecimal:
		return 2
	default:
		return 0
	}
}

// BuildDebugColumns resolves a TableMapData's raw ColumnTypes/FieldMetadata
// into one DebugColumn per column, for the inspect CLI. Enum/Set permitted
// values are left empty since populating them requires the
// ENUM_STR_VALUE/SET_STR_VALUE optional metadata tags, which this decoder
// does not parse; their numeric encoding still decodes correctly.
func BuildDebugColumns(names []string, columnTypes, fieldMetadata []byte, signedness []byte) ([]DebugColumn, error) {
	sign := NewBitCursor(signedness, BigEnd)
	metaCursor := NewByteCursor(fieldMetadata)
	cols := make([]DebugColumn, len(columnTypes))
	for i, raw := range columnTypes {
		t := ColumnType(raw)
		var unsigned bool
		if numericDebugType(t) {
			if b, err := sign.Read(); err == nil {
				unsigned = b
			}
		}
		width := metadataWidthFull(t)
		metaBytes, err := metaCursor.ReadInto(width)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("col%d", i)
		if i < len(names) {
			name = names[i]
		}
		cols[i] = DebugColumn{
			Name:     name,
			Type:     t,
			Meta:     metaFromBytes(t, metaBytes),
			Unsigned: unsigned,
		}
	}
	return cols, nil
}

func numericDebugType(t ColumnType) bool {
	switch t {
	case TypeTiny, TypeShort, TypeInt24, TypeLong, TypeLongLong, TypeFloat, TypeDouble,
		TypeDecimal, TypeNewDecimal, TypeYear:
		return true
	}
	return false
}

func metaFromBytes(t ColumnType, b []byte) uint16 {
	switch len(b) {
	case 0:
		return 0
	case 1:
		return uint16(b[0])
	default:
		switch t {
		case TypeNewDecimal, TypeString, TypeEnum, TypeSet:
			// two independent single-byte fields, packed high/low
			return uint16(b[0]) | uint16(b[1])<<8
		default:
			return uint16(b[0]) | uint16(b[1])<<8
		}
	}
}
