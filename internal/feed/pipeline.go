package feed

import (
	"context"
	"io"
	"iter"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
)

// Source yields the upstream records of one day in file order.
type Source interface {
	Records(ctx context.Context, day string) iter.Seq2[model.Record, error]
}

// Request is one feed build: consecutive days projected with the same
// options. Limit caps emitted features; 0 means no cap.
type Request struct {
	Days    []string
	Options Options
	Limit   int
}

// Features projects the records of every day in order. The subsample index
// runs across day boundaries. Stopping early closes the current download.
func Features(ctx context.Context, src Source, req Request) iter.Seq2[model.Feature, error] {
	return func(yield func(model.Feature, error) bool) {
		p := NewProjector(req.Options)
		var examined, emitted int
		defer func() { observability.AddRecords(emitted, examined-emitted) }()

		for _, day := range req.Days {
			for rec, err := range src.Records(ctx, day) {
				if err != nil {
					yield(model.Feature{}, err)
					return
				}
				f, ok := p.Project(rec, examined)
				examined++
				if !ok {
					continue
				}
				emitted++
				if !yield(f, nil) {
					return
				}
				if req.Limit > 0 && emitted >= req.Limit {
					return
				}
			}
		}
	}
}

// Build runs req and encodes the result into sink.
func Build(ctx context.Context, src Source, req Request, sink io.Writer, format Format) (Result, error) {
	if err := req.Options.Validate(); err != nil {
		return Result{}, err
	}
	res, err := Encode(ctx, Features(ctx, src, req), sink, format)
	observability.AddFeedBytes(res.Bytes)
	return res, err
}

// Start pulls the first feature of seq so that a failure before any
// output can be reported without writing anything. The returned sequence
// replays the pulled feature; stop must be called once it is no longer
// ranged over.
func Start(seq iter.Seq2[model.Feature, error]) (rest iter.Seq2[model.Feature, error], stop func(), err error) {
	next, stop := iter.Pull2(seq)
	first, err, ok := next()
	if err != nil {
		stop()
		return nil, func() {}, err
	}
	return func(yield func(model.Feature, error) bool) {
		if !ok || !yield(first, nil) {
			return
		}
		for {
			f, err, more := next()
			if !more || !yield(f, err) {
				return
			}
		}
	}, stop, nil
}
