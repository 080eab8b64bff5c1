package binlog

import "context"

// ByteTransport is the external collaborator ByteSource pulls raw event
// bytes from: either a live replication session or a static binlog file.
// Named and shaped directly after the component design's transport
// boundary; both LiveTransport and FileTransport implement it.
type ByteTransport interface {
	// Open begins (or resumes) reading at file:startPos.
	Open(ctx context.Context, file string, startPos uint32) error
	// Fetch returns the next raw event window, or nil with no error to
	// signal "empty packet, caller should reconnect" (live transport) or
	// end of stream (file transport raises io.EOF instead, since a file
	// has a true end rather than a reconnect point).
	Fetch(ctx context.Context) ([]byte, error)
	Close() error
}
