package binlog

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// serverVersion is the dotted a.b.c component triple MySQL/MariaDB report
// in the handshake packet and in the FormatDescriptionEvent's ServerVersion
// field, stripped of any "-MariaDB"/"+"-style suffix.
//
// Grounded on the teacher's server_version.go, which this file replaces
// verbatim (the near-identical version.go draft that called it via
// fmt.Errorf instead of errors.New was confirmed a duplicate and removed).
type serverVersion [3]int

func newServerVersion(s string) (serverVersion, error) {
	if i := strings.IndexByte(s, '-'); i != -1 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '+'); i != -1 {
		s = s[:i]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return serverVersion{}, errors.Errorf("binlog: invalid server version %q", s)
	}
	var sv serverVersion
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return serverVersion{}, errors.Wrapf(err, "binlog: invalid server version %q", s)
		}
		sv[i] = n
	}
	return sv, nil
}

func (sv serverVersion) lt(v serverVersion) bool {
	for i := range sv {
		if sv[i] < v[i] {
			return true
		}
		if sv[i] > v[i] {
			return false
		}
	}
	return false
}

// value packs the version triple into a single comparable integer using
// ((a*256)+b)*256+c, matching the formula MySQL itself uses internally
// (and the one this project's FormatState.ServerVersionValue relies on to
// decide checksum support) rather than the teacher's componentwise lt().
func (sv serverVersion) value() uint32 {
	return ((uint32(sv[0])*256)+uint32(sv[1]))*256 + uint32(sv[2])
}

// https://dev.mysql.com/doc/internals/en/binlog-version.html
func (sv serverVersion) binlogVersion() uint16 {
	switch {
	case sv.lt(serverVersion{4, 0, 0}):
		return 1
	case sv.lt(serverVersion{4, 0, 2}):
		return 2
	case sv.lt(serverVersion{5, 0, 0}):
		return 3
	default:
		return 4
	}
}

// checksumIntroducedAt is the packed server-version value at which MySQL
// introduced CRC32 binlog checksums (5.6.1).
const checksumIntroducedAt = 0x050601
