package binlog

import (
	"io"

	"github.com/pkg/errors"
)

// This file consolidates the MySQL client/server protocol's packet framing
// and generic packet types. The teacher snapshot carried three incompatible
// drafts of these (generic.go, eof_packet.go, err_packet.go defined
// `.parse()` methods while remote.go/auth.go called `.decode()` on them —
// a draft-duplication artifact), all removed in favor of this single
// consistent version.

const (
	packetHeaderSize = 4
	maxPacketSize    = 1<<24 - 1

	okMarker  = 0x00
	eofMarker = 0xfe
	errMarker = 0xff
)

// packetReader turns a MySQL length+sequence framed connection into a plain
// io.Reader over one logical packet's payload (possibly split across
// multiple 16MB physical packets). Grounded on the teacher's
// packet_reader.go, kept close to verbatim since it is already a clean,
// singular implementation with no competing draft.
type packetReader struct {
	rd   io.Reader
	seq  *uint8
	last bool
	size int
}

func (r *packetReader) Read(p []byte) (int, error) {
	if r.size == 0 {
		if r.last {
			return 0, io.EOF
		}
		h := make([]byte, packetHeaderSize)
		if _, err := io.ReadFull(r.rd, h); err != nil {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		r.size = int(uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16)
		*r.seq = h[3] + 1
		if r.size < maxPacketSize {
			r.last = true
			if r.size == 0 {
				return 0, io.EOF
			}
		}
	}
	n, err := io.LimitReader(r.rd, int64(r.size)).Read(p)
	r.size -= n
	if n > 0 {
		return n, nil
	}
	if err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	}
	return 0, err
}

func (r *packetReader) reset() {
	r.last = false
	r.size = 0
}

// wireReader accumulates bytes from a packetReader into a growable buffer
// supporting the peek/skip/int/string primitives the handshake and query
// paths need. It mirrors the teacher's reader.go but only keeps the
// wire-protocol helpers: binlog event-window parsing now goes through
// ByteCursor instead.
type wireReader struct {
	rd  io.Reader
	err error
	buf []byte
	off int
}

func newWireReader(r io.Reader, seq *uint8) *wireReader {
	return &wireReader{rd: &packetReader{rd: r, seq: seq}}
}

func (r *wireReader) buffer() []byte { return r.buf[r.off:] }

func (r *wireReader) readMore() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) == cap(r.buf) {
		if r.off > 0 {
			copy(r.buf, r.buf[r.off:])
			r.buf = r.buf[:len(r.buf)-r.off]
			r.off = 0
		} else {
			buf := make([]byte, cap(r.buf)+4096)
			copy(buf, r.buf)
			r.buf = buf[:len(r.buf)]
		}
	}
	n, err := r.rd.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	if err == io.EOF {
		return io.EOF
	}
	r.err = err
	return r.err
}

func (r *wireReader) ensure(n int) error {
	for r.err == nil && n > len(r.buffer()) {
		if r.readMore() == io.EOF {
			r.err = io.ErrUnexpectedEOF
			break
		}
	}
	return r.err
}

func (r *wireReader) peek() (byte, error) {
	if err := r.ensure(1); err != nil {
		return 0, err
	}
	return r.buffer()[0], nil
}

func (r *wireReader) skip(n int) {
	r.off += n
}

func (r *wireReader) drain() error {
	if r.err == io.ErrUnexpectedEOF {
		r.err = nil
	}
	for r.err == nil {
		r.off = len(r.buf)
		if r.readMore() == io.EOF {
			return nil
		}
	}
	return r.err
}

func (r *wireReader) int1() uint8 {
	if err := r.ensure(1); err != nil {
		return 0
	}
	v := r.buffer()[0]
	r.skip(1)
	return v
}

func (r *wireReader) int2() uint16 {
	if err := r.ensure(2); err != nil {
		return 0
	}
	b := r.buffer()
	v := uint16(b[0]) | uint16(b[1])<<8
	r.skip(2)
	return v
}

func (r *wireReader) int4() uint32 {
	if err := r.ensure(4); err != nil {
		return 0
	}
	b := r.buffer()
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	r.skip(4)
	return v
}

func (r *wireReader) intN() uint64 {
	b := r.int1()
	if r.err != nil {
		return 0
	}
	switch b {
	case 0xfc:
		return uint64(r.int2())
	case 0xfd:
		if err := r.ensure(3); err != nil {
			return 0
		}
		buf := r.buffer()
		v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
		r.skip(3)
		return uint64(v)
	case 0xfe:
		if err := r.ensure(8); err != nil {
			return 0
		}
		buf := r.buffer()
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[i]) << (uint(i) * 8)
		}
		r.skip(8)
		return v
	default:
		return uint64(b)
	}
}

func (r *wireReader) bytesInternal(n int) []byte {
	if err := r.ensure(n); err != nil {
		return nil
	}
	v := r.buffer()[:n]
	r.skip(n)
	return v
}

func (r *wireReader) bytes(n int) []byte {
	return append([]byte(nil), r.bytesInternal(n)...)
}

func (r *wireReader) string(n int) string {
	return string(r.bytesInternal(n))
}

func (r *wireReader) stringNull() string {
	i := 0
	for {
		if i == len(r.buffer()) {
			if r.readMore() != nil {
				return ""
			}
		}
		for j := i; j < len(r.buffer()); j++ {
			if r.buffer()[j] == 0 {
				v := string(r.buffer()[:j])
				r.skip(j + 1)
				return v
			}
		}
		i = len(r.buffer())
	}
}

func (r *wireReader) bytesEOF() []byte {
	for {
		if r.err != nil {
			return nil
		}
		if r.readMore() == io.EOF {
			v := append([]byte(nil), r.buffer()...)
			r.skip(len(v))
			return v
		}
	}
}

func (r *wireReader) stringN() string {
	l := r.intN()
	if r.err != nil {
		return ""
	}
	return r.string(int(l))
}

// wireWriter is the write-side counterpart, grounded on the teacher's
// writer.go kept close to verbatim.
type wireWriter struct {
	wd  io.Writer
	buf []byte
	seq *uint8
	err error
}

func newWireWriter(w io.Writer, seq *uint8) *wireWriter {
	return &wireWriter{wd: w, buf: make([]byte, 4, packetHeaderSize+maxPacketSize), seq: seq}
}

func (w *wireWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	for len(w.buf) >= packetHeaderSize+maxPacketSize {
		w.buf[0], w.buf[1], w.buf[2], w.buf[3] = 0xff, 0xff, 0xff, *w.seq
		*w.seq++
		if _, w.err = w.wd.Write(w.buf[:packetHeaderSize+maxPacketSize]); w.err != nil {
			return w.err
		}
		copy(w.buf[4:], w.buf[packetHeaderSize+maxPacketSize:])
		w.buf = w.buf[0 : packetHeaderSize+len(w.buf)-(packetHeaderSize+maxPacketSize)]
	}
	return nil
}

func (w *wireWriter) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	payload := len(w.buf) - packetHeaderSize
	w.buf[0], w.buf[1], w.buf[2], w.buf[3] = byte(payload), byte(payload>>8), byte(payload>>16), *w.seq
	*w.seq++
	_, err := w.wd.Write(w.buf)
	return err
}

func (w *wireWriter) Write(b []byte) (int, error) {
	n := 0
	for {
		if err := w.flush(); err != nil {
			return n, err
		}
		available := packetHeaderSize + maxPacketSize - len(w.buf)
		if len(b) < available {
			available = len(b)
		}
		w.buf = append(w.buf, b[:available]...)
		n += available
		b = b[available:]
		if len(b) == 0 {
			return n, nil
		}
	}
}

func (w *wireWriter) int1(v uint8)  { _, w.err = w.Write([]byte{v}) }
func (w *wireWriter) int2(v uint16) { _, w.err = w.Write([]byte{byte(v), byte(v >> 8)}) }
func (w *wireWriter) int4(v uint32) {
	_, w.err = w.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (w *wireWriter) intN(v uint64) {
	var b []byte
	switch {
	case v < 251:
		b = []byte{byte(v)}
	case v < 1<<16:
		b = []byte{0xfc, byte(v), byte(v >> 8)}
	case v < 1<<24:
		b = []byte{0xfd, byte(v), byte(v >> 8), byte(v >> 16)}
	default:
		b = []byte{0xfe, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
	}
	_, w.err = w.Write(b)
}

func (w *wireWriter) writeString(v string)  { _, w.err = w.Write([]byte(v)) }
func (w *wireWriter) stringNull(v string) {
	w.writeString(v)
	w.int1(0)
}
func (w *wireWriter) bytesNull(v []byte) {
	_, w.err = w.Write(v)
	w.int1(0)
}
func (w *wireWriter) bytes1(v []byte) {
	w.int1(uint8(len(v)))
	_, w.err = w.Write(v)
}
func (w *wireWriter) stringN(v string) {
	w.intN(uint64(len(v)))
	w.writeString(v)
}
func (w *wireWriter) bytesN(v []byte) {
	w.intN(uint64(len(v)))
	_, w.err = w.Write(v)
}

const comQuery = 0x03
const comBinlogDumpCmd = 0x12

func (w *wireWriter) query(q string) error {
	w.int1(comQuery)
	w.writeString(q)
	return w.Close()
}

// generic response packets ---

type okPacket struct{}

func (p *okPacket) decode(r *wireReader, capabilities uint32) error {
	r.int1() // header, already peeked by caller
	r.intN() // affected rows
	r.intN() // last insert id
	if capabilities&capProtocol41 != 0 {
		r.int2() // status flags
		r.int2() // warnings
	}
	return r.drain()
}

type eofPacket struct{}

func (p *eofPacket) decode(r *wireReader, capabilities uint32) error {
	r.int1() // 0xfe marker
	if capabilities&capProtocol41 != 0 {
		r.int2() // warnings
		r.int2() // status flags
	}
	return r.drain()
}

type errPacket struct {
	errorCode    uint16
	sqlState     string
	errorMessage string
}

func (p *errPacket) decode(r *wireReader, capabilities uint32) error {
	r.int1() // 0xff marker
	p.errorCode = r.int2()
	if capabilities&capProtocol41 != 0 {
		r.skip(1) // sql state marker '#'
		p.sqlState = r.string(5)
	}
	p.errorMessage = string(r.bytesEOF())
	return r.err
}

func readOkErr(r *wireReader, capabilities uint32) error {
	marker, err := r.peek()
	if err != nil {
		return err
	}
	switch marker {
	case okMarker:
		ok := okPacket{}
		return ok.decode(r, capabilities)
	case errMarker:
		ep := errPacket{}
		if err := ep.decode(r, capabilities); err != nil {
			return err
		}
		return errors.New(ep.errorMessage)
	default:
		return errors.Errorf("binlog: expected OK/ERR, got 0x%02x", marker)
	}
}

// handshake / auth packets ---

const (
	capLongPassword     = 0x00000001
	capFoundRows        = 0x00000002
	capLongFlag         = 0x00000004
	capConnectWithDB    = 0x00000008
	capCompress         = 0x00000020
	capProtocol41       = 0x00000200
	capSSL              = 0x00000800
	capTransactions     = 0x00002000
	capSecureConnection = 0x00008000
	capPluginAuth       = 0x00080000
	capConnectAttrs     = 0x00100000
	capPluginAuthLenenc = 0x00200000
	capSessionTrack     = 0x00800000
)

type handshake struct {
	protocolVersion uint8
	serverVersion   string
	connectionID    uint32
	authPluginData  []byte
	capabilityFlags uint32
	characterSet    uint8
	statusFlags     uint16
	authPluginName  string
}

func (h *handshake) decode(r *wireReader) error {
	h.protocolVersion = r.int1()
	h.serverVersion = r.stringNull()
	h.connectionID = r.int4()
	if h.protocolVersion == 9 {
		h.authPluginData = r.bytes(8)
		return r.err
	}
	h.authPluginData = r.bytes(8)
	r.skip(1) // filler
	h.capabilityFlags = uint32(r.int2())
	h.characterSet = r.int1()
	h.statusFlags = r.int2()
	h.capabilityFlags |= uint32(r.int2()) << 16
	if r.err != nil {
		return r.err
	}
	var authPluginDataLen uint8
	if h.capabilityFlags&capPluginAuth != 0 {
		authPluginDataLen = r.int1()
	} else {
		r.skip(1)
	}
	r.skip(10) // reserved
	if h.capabilityFlags&capSecureConnection != 0 {
		n := int(authPluginDataLen) - 8
		if n < 13 {
			n = 13
		}
		h.authPluginData = append(h.authPluginData, r.bytes(n)...)
	}
	if h.capabilityFlags&capPluginAuth != 0 {
		h.authPluginName = r.stringNull()
	}
	return r.err
}

type sslRequest struct {
	capabilityFlags uint32
	characterSet    uint8
}

func (p sslRequest) encode(w *wireWriter) error {
	w.int4(p.capabilityFlags | capProtocol41 | capSSL)
	w.int4(maxPacketSize)
	w.int1(p.characterSet)
	_, w.err = w.Write(make([]byte, 23))
	return w.err
}

type handshakeResponse41 struct {
	capabilityFlags uint32
	characterSet    uint8
	username        string
	authResponse    []byte
	database        string
	authPluginName  string
}

func (p handshakeResponse41) encode(w *wireWriter) error {
	capabilities := p.capabilityFlags | capProtocol41
	if p.database != "" {
		capabilities |= capConnectWithDB
	}
	if p.authPluginName != "" {
		capabilities |= capPluginAuth
	}
	w.int4(capabilities)
	w.int4(maxPacketSize)
	w.int1(p.characterSet)
	_, w.err = w.Write(make([]byte, 23))
	w.stringNull(p.username)
	switch {
	case capabilities&capPluginAuthLenenc != 0:
		w.bytesN(p.authResponse)
	case capabilities&capSecureConnection != 0:
		w.bytes1(p.authResponse)
	default:
		w.bytesNull(p.authResponse)
	}
	if capabilities&capConnectWithDB != 0 {
		w.stringNull(p.database)
	}
	if capabilities&capPluginAuth != 0 {
		w.stringNull(p.authPluginName)
	}
	return w.err
}

type authMoreData struct {
	pluginData []byte
}

func (p *authMoreData) decode(r *wireReader) error {
	status := r.int1()
	if r.err != nil {
		return r.err
	}
	if status != 0x01 {
		return errors.Errorf("binlog: authMoreData status 0x%02x", status)
	}
	p.pluginData = r.bytesEOF()
	return r.err
}

type authSwitchRequest struct {
	pluginName string
	pluginData []byte
}

func (p *authSwitchRequest) decode(r *wireReader) error {
	status := r.int1()
	if r.err != nil {
		return r.err
	}
	if status != eofMarker {
		return errors.Errorf("binlog: authSwitchRequest status 0x%02x", status)
	}
	p.pluginName = r.stringNull()
	p.pluginData = r.bytesEOF()
	return r.err
}

type authSwitchResponse struct {
	authResponse []byte
}

func (p authSwitchResponse) encode(w *wireWriter) error {
	_, w.err = w.Write(p.authResponse)
	return w.err
}

type requestPublicKey struct{}

func (p requestPublicKey) encode(w *wireWriter) error {
	w.int1(2)
	return w.err
}

// columnDef / resultSet implement just enough of the text protocol for the
// handful of administrative queries the live transport issues over its own
// connection (select version(), checksum negotiation): it cannot hand these
// off to a separate database/sql connection since they must share
// replication session state.
type columnDef struct{}

func (columnDef) decode(r *wireReader, capabilities uint32) error {
	r.stringN() // catalog
	r.stringN() // schema
	r.stringN() // table
	r.stringN() // org_table
	r.stringN() // name
	r.stringN() // org_name
	r.intN()    // length of fixed fields
	r.int2()    // charset
	r.int4()    // column length
	r.int1()    // type
	r.int2()    // flags
	r.int1()    // decimals
	r.skip(2)   // filler
	return r.err
}

type resultSet struct {
	r            *wireReader
	capabilities uint32
	numCols      int
}

func (rs *resultSet) decode(r *wireReader, capabilities uint32) error {
	rs.r, rs.capabilities = r, capabilities
	ncol := r.intN()
	if r.err != nil {
		return r.err
	}
	rs.numCols = int(ncol)
	for i := 0; i < rs.numCols; i++ {
		r.rd.(*packetReader).reset()
		cd := columnDef{}
		if err := cd.decode(r, capabilities); err != nil {
			return err
		}
	}
	r.rd.(*packetReader).reset()
	eof := eofPacket{}
	return eof.decode(r, capabilities)
}

func (rs *resultSet) nextRow() ([]string, error) {
	r := rs.r
	r.rd.(*packetReader).reset()
	b, err := r.peek()
	if err != nil {
		return nil, err
	}
	if b == eofMarker {
		eof := eofPacket{}
		if err := eof.decode(r, rs.capabilities); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	if b == errMarker {
		ep := errPacket{}
		if err := ep.decode(r, rs.capabilities); err != nil {
			return nil, err
		}
		return nil, errors.New(ep.errorMessage)
	}
	row := make([]string, rs.numCols)
	for i := range row {
		row[i] = r.stringN()
		if r.err != nil {
			return nil, r.err
		}
	}
	return row, nil
}

func (rs *resultSet) rows() ([][]string, error) {
	var out [][]string
	for {
		row, err := rs.nextRow()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
}
