package cdc

import "context"

// Handler observes a TableDiff before Pipeline hands it to the sink. It
// must not mutate diff; Pipeline does not defend against that, matching
// the spec's "must fire before the stage's own processing and must not
// alter values" contract -- enforcement is a convention, not a copy.
type Handler func(diff TableDiff)

// diffPuller is the subset of *TableDiffSource Pipeline needs.
type diffPuller interface {
	Next(ctx context.Context) (TableDiff, error)
}

// putter is the subset of *DocumentSink Pipeline needs.
type putter interface {
	Put(diff TableDiff) error
}

// Pipeline implements C9: a trivial driver pulling TableDiffs from a
// source and pushing them to a sink until the source is exhausted.
type Pipeline struct {
	source  diffPuller
	sink    putter
	handler Handler
}

// NewPipeline wires source to sink. handler, if non-nil, observes each
// TableDiff before it reaches the sink.
func NewPipeline(source diffPuller, sink putter, handler Handler) *Pipeline {
	return &Pipeline{source: source, sink: sink, handler: handler}
}

// Run drives the pipeline until the source returns an error (io.EOF on
// ordinary exhaustion of a static-file source; any other error, including
// a fatal protocol violation, is returned to the caller).
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		diff, err := p.source.Next(ctx)
		if err != nil {
			return err
		}
		if p.handler != nil {
			p.handler(diff)
		}
		if err := p.sink.Put(diff); err != nil {
			return err
		}
	}
}
