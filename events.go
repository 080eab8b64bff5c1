package binlog

import "strings"

// EventType is the one-byte binlog event type code.
//
// Kept verbatim from the teacher's events.go constant table, which names the
// mainline MySQL codes only. MariaDB-specific codes (0xa0 and above) have no
// constant here and decode as IgnoredData.
type EventType uint8

const (
	UnknownEvent           EventType = 0x00
	StartEventV3           EventType = 0x01
	QueryEvent             EventType = 0x02
	StopEvent              EventType = 0x03
	RotateEventType        EventType = 0x04
	IntVarEvent            EventType = 0x05
	LoadEvent              EventType = 0x06
	SlaveEvent             EventType = 0x07
	CreateFileEvent        EventType = 0x08
	AppendBlockEvent       EventType = 0x09
	ExecLoadEvent          EventType = 0x0a
	DeleteFileEvent        EventType = 0x0b
	NewLoadEvent           EventType = 0x0c
	RandEvent              EventType = 0x0d
	UserVarEvent           EventType = 0x0e
	FormatDescriptionEvent EventType = 0x0f
	XidEvent               EventType = 0x10
	BeginLoadQueryEvent    EventType = 0x11
	ExecuteLoadQueryEvent  EventType = 0x12
	TableMapEventType      EventType = 0x13
	WriteRowsEventV0       EventType = 0x14
	UpdateRowsEventV0      EventType = 0x15
	DeleteRowsEventV0      EventType = 0x16
	WriteRowsEventV1       EventType = 0x17
	UpdateRowsEventV1      EventType = 0x18
	DeleteRowsEventV1      EventType = 0x19
	IncidentEvent          EventType = 0x1a
	HeartbeatEvent         EventType = 0x1b
	IgnorableEvent         EventType = 0x1c
	RowsQueryEvent         EventType = 0x1d
	WriteRowsEventV2       EventType = 0x1e
	UpdateRowsEventV2      EventType = 0x1f
	DeleteRowsEventV2      EventType = 0x20
	GTIDEvent              EventType = 0x21
	AnonymousGTIDEvent     EventType = 0x22
	PreviousGTIDsEvent     EventType = 0x23
	PartialUpdateRowsEvent EventType = 0x27
)

// EventTypeOffset is the byte offset of the type code within an event
// window's common header.
const EventTypeOffset = 4

var eventTypeNames = map[EventType]string{
	UnknownEvent: "unknown", StartEventV3: "start_v3", QueryEvent: "query",
	StopEvent: "stop", RotateEventType: "rotate", IntVarEvent: "intvar",
	LoadEvent: "load", SlaveEvent: "slave", CreateFileEvent: "create_file",
	AppendBlockEvent: "append_block", ExecLoadEvent: "exec_load",
	DeleteFileEvent: "delete_file", NewLoadEvent: "new_load", RandEvent: "rand",
	UserVarEvent: "user_var", FormatDescriptionEvent: "format_description",
	XidEvent: "xid", BeginLoadQueryEvent: "begin_load_query",
	ExecuteLoadQueryEvent: "execute_load_query", TableMapEventType: "table_map",
	WriteRowsEventV0: "write_rows_v0", UpdateRowsEventV0: "update_rows_v0",
	DeleteRowsEventV0: "delete_rows_v0", WriteRowsEventV1: "write_rows_v1",
	UpdateRowsEventV1: "update_rows_v1", DeleteRowsEventV1: "delete_rows_v1",
	IncidentEvent: "incident", HeartbeatEvent: "heartbeat",
	IgnorableEvent: "ignorable", RowsQueryEvent: "rows_query",
	WriteRowsEventV2: "write_rows_v2", UpdateRowsEventV2: "update_rows_v2",
	DeleteRowsEventV2: "delete_rows_v2", GTIDEvent: "gtid",
	AnonymousGTIDEvent: "anonymous_gtid", PreviousGTIDsEvent: "previous_gtids",
	PartialUpdateRowsEvent: "partial_update_rows",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unrecognized"
}

func (t EventType) isWriteRows() bool {
	return t == WriteRowsEventV0 || t == WriteRowsEventV1 || t == WriteRowsEventV2
}

func (t EventType) isUpdateRows() bool {
	return t == UpdateRowsEventV0 || t == UpdateRowsEventV1 || t == UpdateRowsEventV2 || t == PartialUpdateRowsEvent
}

func (t EventType) isDeleteRows() bool {
	return t == DeleteRowsEventV0 || t == DeleteRowsEventV1 || t == DeleteRowsEventV2
}

func (t EventType) isRows() bool {
	return t.isWriteRows() || t.isUpdateRows() || t.isDeleteRows()
}

// EventHeader is the 19-byte common header present at the start of every
// event window.
type EventHeader struct {
	Timestamp uint32
	Type      EventType
	ServerID  uint32
	EventSize uint32
	LogPos    uint32
	Flags     uint16
}

func decodeEventHeader(c *ByteCursor) (EventHeader, error) {
	var h EventHeader
	var err error
	if h.Timestamp, err = c.ReadU32(); err != nil {
		return h, err
	}
	b, err := c.ReadU8()
	if err != nil {
		return h, err
	}
	h.Type = EventType(b)
	if h.ServerID, err = c.ReadU32(); err != nil {
		return h, err
	}
	if h.EventSize, err = c.ReadU32(); err != nil {
		return h, err
	}
	if h.LogPos, err = c.ReadU32(); err != nil {
		return h, err
	}
	flags, err := c.ReadU16()
	if err != nil {
		return h, err
	}
	h.Flags = flags
	return h, nil
}

// TypedEvent is the tagged union EventCodec produces: Header plus exactly
// one of the payload types below in Data, mirroring the teacher's
// Event{Header, Data interface{}} idiom in events.go.
type TypedEvent struct {
	Header EventHeader
	Data   interface{}
}

// FormatDescriptionData is the decoded body of a FormatDescriptionEvent.
type FormatDescriptionData struct {
	Created         uint32
	BinlogVersion   uint16
	ServerVersion   string
	CommonHeaderLen uint8
	PostHeaderLen   []byte
	HasChecksum     bool
}

// RotateData is the decoded body of a Rotate event.
type RotateData struct {
	NewLogIdent string
	Flags       uint32
	Pos         uint64
}

// DupName is the default flags value a Rotate event carries.
const DupName = 2

// RotateEventMaxFullNameSize bounds the new-file-name payload.
const RotateEventMaxFullNameSize = 512

// QueryData is the decoded body of a Query event.
type QueryData struct {
	SlaveProxyID  uint32
	ExecutionTime uint32
	ErrorCode     uint16
	StatusVars    []byte
	Schema        string
	Query         string
}

func decodeQuery(c *ByteCursor) (QueryData, error) {
	var q QueryData
	var err error
	if q.SlaveProxyID, err = c.ReadU32(); err != nil {
		return q, err
	}
	if q.ExecutionTime, err = c.ReadU32(); err != nil {
		return q, err
	}
	schemaLen, err := c.ReadU8()
	if err != nil {
		return q, err
	}
	if q.ErrorCode, err = c.ReadU16(); err != nil {
		return q, err
	}
	statusVarsLen, err := c.ReadU16()
	if err != nil {
		return q, err
	}
	if q.StatusVars, err = c.ReadInto(int(statusVarsLen)); err != nil {
		return q, err
	}
	schema, err := c.ReadInto(int(schemaLen))
	if err != nil {
		return q, err
	}
	q.Schema = string(schema)
	if err := c.Skip(1); err != nil {
		return q, err
	}
	q.Query = string(c.ReadRest())
	return q, nil
}

// XidData is the decoded body of an Xid (XA commit) event.
type XidData struct {
	XID uint64
}

func decodeXid(c *ByteCursor) (XidData, error) {
	v, err := c.ReadU64()
	return XidData{XID: v}, err
}

// IntVarData is the decoded body of an IntVar event.
type IntVarData struct {
	Type  uint8
	Value uint64
}

func decodeIntVar(c *ByteCursor) (IntVarData, error) {
	var d IntVarData
	var err error
	if d.Type, err = c.ReadU8(); err != nil {
		return d, err
	}
	d.Value, err = c.ReadU64()
	return d, err
}

// UserVarData is the decoded body of a UserVar event.
type UserVarData struct {
	Name     string
	IsNull   bool
	Type     uint8
	Charset  uint32
	Value    []byte
	Unsigned bool
}

func decodeUserVar(c *ByteCursor) (UserVarData, error) {
	var d UserVarData
	nameLen, err := c.ReadU32()
	if err != nil {
		return d, err
	}
	name, err := c.ReadInto(int(nameLen))
	if err != nil {
		return d, err
	}
	d.Name = string(name)
	isNull, err := c.ReadU8()
	if err != nil {
		return d, err
	}
	d.IsNull = isNull != 0
	if !d.IsNull {
		if d.Type, err = c.ReadU8(); err != nil {
			return d, err
		}
		if d.Charset, err = c.ReadU32(); err != nil {
			return d, err
		}
		valueLen, err := c.ReadU32()
		if err != nil {
			return d, err
		}
		if d.Value, err = c.ReadInto(int(valueLen)); err != nil {
			return d, err
		}
		if c.Available() > 0 {
			flag, err := c.ReadU8()
			if err != nil {
				return d, err
			}
			d.Unsigned = flag != 0
		}
	}
	return d, nil
}

// HeartbeatData marks a HeartbeatEvent; it carries no payload.
type HeartbeatData struct{}

// IgnoredData marks any recognized-but-unparsed event type, or a type code
// EventSource does not recognize at all.
type IgnoredData struct {
	Type EventType
}

func decodeFormatDescription(c *ByteCursor) (FormatDescriptionData, error) {
	var d FormatDescriptionData
	var err error
	if d.BinlogVersion, err = c.ReadU16(); err != nil {
		return d, err
	}
	versionBytes, err := c.ReadInto(50)
	if err != nil {
		return d, err
	}
	d.ServerVersion = string(versionBytes)
	if i := strings.IndexByte(d.ServerVersion, 0); i != -1 {
		d.ServerVersion = d.ServerVersion[:i]
	}
	if d.Created, err = c.ReadU32(); err != nil {
		return d, err
	}
	chl, err := c.ReadU8()
	if err != nil {
		return d, err
	}
	d.CommonHeaderLen = chl
	if chl < 19 {
		return d, protocolErrorf("format description common_header_len %d < 19", chl)
	}
	rem := c.Available()
	sv, err := newServerVersion(d.ServerVersion)
	if err == nil && sv.value() >= checksumIntroducedAt {
		d.HasChecksum = true
		rem -= 1 + 4
	}
	if rem < 0 {
		return d, protocolErrorf("format description event too short for checksum trailer")
	}
	d.PostHeaderLen, err = c.ReadInto(rem)
	return d, err
}

func decodeRotate(c *ByteCursor, f *FormatState) (RotateData, error) {
	var d RotateData
	postHeaderLen := f.PostHeaderLength(RotateEventType, 0)
	if postHeaderLen > 0 {
		v, err := c.ReadU64()
		if err != nil {
			return d, err
		}
		d.Pos = v
	} else {
		v, err := c.ReadU32()
		if err != nil {
			return d, err
		}
		d.Pos = uint64(v)
	}
	rest := c.ReadRest()
	if len(rest) == 0 {
		return d, protocolErrorf("rotate event too short: empty new_log_ident")
	}
	if len(rest) > RotateEventMaxFullNameSize-1 {
		rest = rest[:RotateEventMaxFullNameSize-1]
	}
	d.NewLogIdent = string(rest)
	d.Flags = DupName
	return d, nil
}
