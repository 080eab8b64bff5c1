package binlog

// FormatState captures everything downstream event parsers need to know
// about the binlog stream's framing that isn't carried in each event's own
// header: the binlog format version, the originating server's version
// string, the length of the common event header, whether a trailing CRC32
// checksum is present, and the post-header length table handed out by the
// stream's FormatDescriptionEvent.
//
// Grounded on the teacher's reader.go fields (fde FormatDescriptionEvent,
// checksum int) and events.go's FormatDescriptionEvent/postHeaderLength,
// pulled out into its own value type per the component design so EventCodec
// can be a pure function of (FormatState, bytes) rather than a stateful
// stream reader.
type FormatState struct {
	BinlogVersion   uint16
	ServerVersion   string
	CommonHeaderLen int
	HasChecksum     bool
	PostHeaderLen   []byte // indexed by EventType-1, see PostHeaderLength
}

// NewFormatState returns the default state assumed before the stream's own
// FormatDescriptionEvent has been observed: binlog format 4, a recent
// server version, and checksums enabled (matching current MySQL/MariaDB
// defaults; live sources immediately overwrite this once the first FDE is
// read from the stream).
func NewFormatState() *FormatState {
	return &FormatState{
		BinlogVersion:   4,
		ServerVersion:   "8.0.41",
		CommonHeaderLen: 19,
		HasChecksum:     true,
	}
}

// PostHeaderLength returns the post-header length MySQL's FDE declared for
// typ, or def if the FDE's table doesn't cover that type code (older
// servers ship a shorter table than the event types now in use).
func (f *FormatState) PostHeaderLength(typ EventType, def int) int {
	if int(typ) >= 1 && int(typ) <= len(f.PostHeaderLen) {
		return int(f.PostHeaderLen[typ-1])
	}
	return def
}

// ServerVersionValue packs the dotted server version into a single
// comparable integer via ((a*256)+b)*256+c, used to decide checksum
// support thresholds and other version-gated behavior.
func (f *FormatState) ServerVersionValue() (uint32, error) {
	sv, err := newServerVersion(f.ServerVersion)
	if err != nil {
		return 0, err
	}
	return sv.value(), nil
}
