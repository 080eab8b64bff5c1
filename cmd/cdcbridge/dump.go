package main

import (
	"bufio"
	"io"
	"os"
	"path"

	binlog "cdcbridge"

	"github.com/pkg/errors"
)

// binlogFileMagic matches the header binlog.FileTransport requires of every
// file it opens, so a directory produced by binlogDumper round-trips
// through binlog.FromFile unchanged.
var binlogFileMagic = []byte{0xfe, 'b', 'i', 'n'}

// binlogDumper persists a live replication stream's raw event windows to a
// directory of numbered binlog files plus a binlog.index manifest, grounded
// on the teacher's remote_dump.go Dump(dir): it watches for Rotate events to
// split files and skips a redundant leading FormatDescriptionEvent when a
// dump resumes mid-file. Unlike the teacher, it decodes each window with
// binlog.DecodeEvent only to recognize Rotate/FormatDescription -- the bytes
// written to disk are always the untouched raw window, since LiveTransport
// already hands back one complete, framed event per Fetch.
type binlogDumper struct {
	dir    string
	format *binlog.FormatState

	requestFile string
	requestPos  uint32
	ignoreFME   bool

	f *os.File
}

// newBinlogDumper prepares a dumper for a stream opened at file:startPos.
func newBinlogDumper(dir, startFile string, startPos uint32) *binlogDumper {
	return &binlogDumper{
		dir:         dir,
		format:      binlog.NewFormatState(),
		requestFile: startFile,
		requestPos:  startPos,
		ignoreFME:   startPos > 4,
	}
}

// Write decodes window far enough to track FormatState and file rotation,
// then appends its raw bytes to the currently open file. Heartbeat and
// other ignorable events are tracked for framing but never written, same as
// the teacher's ignore branch.
func (d *binlogDumper) Write(window []byte) error {
	ev, err := binlog.DecodeEvent(window, d.format)
	if err != nil {
		return errors.Wrap(err, "cdcbridge dump: decoding event")
	}

	switch data := ev.Data.(type) {
	case binlog.FormatDescriptionData:
		d.format.BinlogVersion = data.BinlogVersion
		d.format.ServerVersion = data.ServerVersion
		d.format.CommonHeaderLen = int(data.CommonHeaderLen)
		d.format.HasChecksum = data.HasChecksum
		d.format.PostHeaderLen = data.PostHeaderLen
		if d.ignoreFME {
			d.ignoreFME = false
			return nil
		}
	case binlog.RotateData:
		def := binlog.NewFormatState()
		d.format.BinlogVersion = def.BinlogVersion
		d.format.ServerVersion = def.ServerVersion
		d.format.CommonHeaderLen = def.CommonHeaderLen
		d.format.HasChecksum = def.HasChecksum
		d.format.PostHeaderLen = nil
		return d.rotate(data.NewLogIdent)
	case binlog.HeartbeatData:
		return nil
	case binlog.IgnoredData:
		return nil
	}

	if d.f == nil {
		return errors.New("cdcbridge dump: event arrived before any Rotate opened a file")
	}
	if _, err := d.f.Write(window); err != nil {
		return errors.Wrap(err, "cdcbridge dump: writing event")
	}
	return nil
}

// rotate closes the current file (if any) and opens/creates newFile,
// mirroring the teacher's requestFile/requestPos comparison: only the very
// first rotate onto the originally requested file resumes mid-file, every
// later rotate starts a fresh file at its magic header.
func (d *binlogDumper) rotate(newFile string) error {
	pos := d.requestPos
	if d.requestFile != newFile {
		d.ignoreFME = false
		pos = 4
	}
	if d.f != nil {
		if err := d.f.Close(); err != nil {
			return errors.Wrapf(err, "cdcbridge dump: closing %s", d.f.Name())
		}
		d.f = nil
	}
	f, err := d.openFileSeek(newFile, pos)
	if err != nil {
		return err
	}
	d.f = f
	return nil
}

func (d *binlogDumper) openFileSeek(file string, pos uint32) (*os.File, error) {
	full := path.Join(d.dir, file)
	if pos > 4 {
		f, err := os.OpenFile(full, os.O_RDWR, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "cdcbridge dump: opening %s", file)
		}
		if _, err := f.Seek(int64(pos), io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "cdcbridge dump: seeking %s", file)
		}
		return f, nil
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, errors.Wrapf(err, "cdcbridge dump: creating %s", file)
	}
	if _, err := f.Write(binlogFileMagic); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "cdcbridge dump: writing header for %s", file)
	}
	if err := appendIndexLine(d.dir, file); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// appendIndexLine adds file to dir/binlog.index, unless it's already
// listed on any line (a dump resuming at the same position re-announces
// its current file via Rotate on every run).
func appendIndexLine(dir, file string) error {
	idxPath := path.Join(dir, "binlog.index")
	lines, err := readIndexLines(idxPath)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if l == file {
			return nil
		}
	}
	f, err := os.OpenFile(idxPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "cdcbridge dump: opening binlog.index")
	}
	defer f.Close()
	if _, err := f.WriteString(file + "\n"); err != nil {
		return errors.Wrap(err, "cdcbridge dump: appending binlog.index")
	}
	return nil
}

func readIndexLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "cdcbridge dump: reading binlog.index")
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, errors.Wrap(sc.Err(), "cdcbridge dump: scanning binlog.index")
}

// Close closes the currently open file, if any.
func (d *binlogDumper) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
