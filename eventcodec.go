package binlog

// DecodeEvent implements EventCodec (C3): given the FormatState active for
// the stream and a byte window sized to exactly one event, it parses the
// common header, strips the trailing CRC32 checksum when FormatState says
// one is present, and dispatches to the per-type parser.
//
// Grounded on the teacher's nextEvent dispatch (formerly duplicated between
// binlog.go and events.go; binlog.go was the superseded draft and was
// removed) combined with events.go's EventHeader.decode and FDE checksum
// math, reworked to operate on a ByteCursor over an already-framed window
// instead of pulling from an open io.Reader.
func DecodeEvent(window []byte, f *FormatState) (TypedEvent, error) {
	header, err := decodeEventHeader(NewByteCursor(window))
	if err != nil {
		return TypedEvent{}, err
	}

	body := window[f.CommonHeaderLen:]
	if header.Type != FormatDescriptionEvent && f.HasChecksum {
		if len(body) < 4 {
			return TypedEvent{}, protocolErrorf("event body too short to hold checksum")
		}
		body = body[:len(body)-4]
	}
	c := NewByteCursor(body)

	switch header.Type {
	case FormatDescriptionEvent:
		d, err := decodeFormatDescription(c)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case RotateEventType:
		d, err := decodeRotate(c, f)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case TableMapEventType:
		d, err := decodeTableMap(c, f)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case WriteRowsEventV0, WriteRowsEventV1, WriteRowsEventV2,
		UpdateRowsEventV0, UpdateRowsEventV1, UpdateRowsEventV2,
		DeleteRowsEventV0, DeleteRowsEventV1, DeleteRowsEventV2,
		PartialUpdateRowsEvent:
		d, err := decodeRows(c, f, header.Type)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case QueryEvent:
		d, err := decodeQuery(c)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case XidEvent:
		d, err := decodeXid(c)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case IntVarEvent:
		d, err := decodeIntVar(c)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case UserVarEvent:
		d, err := decodeUserVar(c)
		if err != nil {
			return TypedEvent{}, err
		}
		return TypedEvent{Header: header, Data: d}, nil
	case HeartbeatEvent:
		return TypedEvent{Header: header, Data: HeartbeatData{}}, nil
	default:
		return TypedEvent{Header: header, Data: IgnoredData{Type: header.Type}}, nil
	}
}

// applyFormatState updates f in place from a FormatDescription or Rotate
// event, per ByteSource's self-processing contract (C5/C4).
func applyFormatState(f *FormatState, ev TypedEvent) {
	switch d := ev.Data.(type) {
	case FormatDescriptionData:
		f.BinlogVersion = d.BinlogVersion
		f.ServerVersion = d.ServerVersion
		f.CommonHeaderLen = int(d.CommonHeaderLen)
		f.HasChecksum = d.HasChecksum
		f.PostHeaderLen = d.PostHeaderLen
	case RotateData:
		def := NewFormatState()
		f.BinlogVersion = def.BinlogVersion
		f.ServerVersion = def.ServerVersion
		f.CommonHeaderLen = def.CommonHeaderLen
		f.HasChecksum = def.HasChecksum
		f.PostHeaderLen = nil
	}
}
