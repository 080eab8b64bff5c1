// Package cdc turns a correlated stream of binlog events into document
// store mutation plans: TableDiffSource joins Rows events back to their
// declaring TableMap, DocumentSink turns the join into insert/delete/update
// plans against a restricted column-type table, and Pipeline drives the
// two end to end.
package cdc

import (
	"context"

	binlog "cdcbridge"
	"github.com/pkg/errors"
)

// RowKind mirrors binlog.RowsKind at the cdc layer's vocabulary.
type RowKind int

const (
	Insert RowKind = iota
	Delete
	Update
)

func (k RowKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// TableDiff is a self-contained description of one Rows event, with its
// declaring TableMap's schema information already joined in. Grounded on
// spec's TableDiffSource pseudocode (module C7).
type TableDiff struct {
	Kind                RowKind
	Database            string
	Table               string
	ColumnTypes         []byte
	ColumnMetatypes     []byte
	ColumnNames         []string
	PrimaryKeyIndices   []uint16
	Signedness          []byte
	RowPayload          []byte
	Width               uint64
}

// TableDiffError reports a fatal protocol violation at the correlation
// layer -- most commonly a Rows event with no preceding TableMap.
type TableDiffError struct {
	msg string
}

func (e *TableDiffError) Error() string { return "cdc: " + e.msg }

func newTableDiffError(format string, args ...interface{}) error {
	return &TableDiffError{msg: errors.Errorf(format, args...).Error()}
}

// TableDiffSource implements C7: it maintains a table_id -> TableMapData
// map fed by TableMap events, and joins each following Rows event against
// it, producing one TableDiff per Rows event.
type TableDiffSource struct {
	events    eventPuller
	tableInfo map[uint64]binlog.TableMapData
}

// eventPuller is the subset of *binlog.EventSource (or *binlog.ByteSource)
// TableDiffSource needs; declared as an interface so tests can supply a
// canned sequence of TypedEvents without standing up a transport.
type eventPuller interface {
	Next(ctx context.Context) (binlog.TypedEvent, error)
}

// NewTableDiffSource wraps events.
func NewTableDiffSource(events eventPuller) *TableDiffSource {
	return &TableDiffSource{events: events, tableInfo: make(map[uint64]binlog.TableMapData)}
}

// Next returns the next TableDiff, or the underlying source's error
// (typically io.EOF) when exhausted.
func (s *TableDiffSource) Next(ctx context.Context) (TableDiff, error) {
	for {
		ev, err := s.events.Next(ctx)
		if err != nil {
			return TableDiff{}, err
		}
		switch d := ev.Data.(type) {
		case binlog.TableMapData:
			s.tableInfo[d.TableID] = d
			continue
		case binlog.RowsData:
			tm, ok := s.tableInfo[d.TableID]
			if !ok {
				return TableDiff{}, newTableDiffError("rows before tablemap for id=%d", d.TableID)
			}
			delete(s.tableInfo, d.TableID)

			kind, err := rowKindOf(d.Kind)
			if err != nil {
				return TableDiff{}, err
			}

			names, err := tm.ColumnNames()
			if err != nil {
				return TableDiff{}, err
			}
			pk, err := tm.SimplePrimaryKey()
			if err != nil {
				return TableDiff{}, err
			}
			signedness, err := tm.Signedness()
			if err != nil {
				return TableDiff{}, err
			}

			return TableDiff{
				Kind:              kind,
				Database:          tm.DBName,
				Table:             tm.TableName,
				ColumnTypes:       tm.ColumnTypes,
				ColumnMetatypes:   tm.FieldMetadata,
				ColumnNames:       names,
				PrimaryKeyIndices: pk,
				Signedness:        signedness,
				RowPayload:        d.RowPayload,
				Width:             tm.ColumnCount,
			}, nil
		default:
			continue
		}
	}
}

func rowKindOf(k binlog.RowsKind) (RowKind, error) {
	switch k {
	case binlog.RowsWrite:
		return Insert, nil
	case binlog.RowsDelete:
		return Delete, nil
	case binlog.RowsUpdate:
		return Update, nil
	default:
		return 0, newTableDiffError("unrecognized rows kind %v", k)
	}
}
