package feed

import (
	"context"
	"io"
	"iter"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

type Format string

const (
	FormatNDJSON  Format = "ndjson"
	FormatGeoJSON Format = "geojson"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatNDJSON, nil
	case FormatNDJSON, FormatGeoJSON:
		return f, nil
	default:
		return "", feederr.Invalid("feed", "unknown format %q", s)
	}
}

// ContentType is the media type of the uncompressed payload.
func (f Format) ContentType() string {
	if f == FormatGeoJSON {
		return "application/geo+json"
	}
	return "application/x-ndjson"
}

// Result reports features written and compressed bytes that reached the
// sink. For a file sink Bytes equals the file size.
type Result struct {
	Written int   `json:"written"`
	Bytes   int64 `json:"bytes"`
}

// ErrorRecord terminates a stream that failed after output started.
type ErrorRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	collectionOpen  = `{"type":"FeatureCollection","features":[`
	collectionClose = `]}`
)

// Encoder writes features through gzip into a sink. Nothing reaches the
// sink before the first Write, Fail or Close. Every write blocks on the
// sink; after a sink error the encoder refuses further features.
type Encoder struct {
	format  Format
	sink    *countingWriter
	zw      *gzip.Writer
	buf     []byte
	written int
	opened  bool
	framed  bool
	closed  bool
	err     error
}

func NewEncoder(sink io.Writer, format Format) *Encoder {
	cw := &countingWriter{w: sink}
	zw, _ := gzip.NewWriterLevel(cw, gzip.BestSpeed)
	if format == "" {
		format = FormatNDJSON
	}
	return &Encoder{format: format, sink: cw, zw: zw}
}

func (e *Encoder) Write(f model.Feature) error {
	if e.err != nil {
		return e.err
	}
	if e.closed || e.framed {
		return io.ErrClosedPipe
	}
	b, err := json.Marshal(f)
	if err != nil {
		e.err = err
		return err
	}
	e.buf = e.buf[:0]
	if e.format == FormatGeoJSON {
		if !e.opened {
			e.buf = append(e.buf, collectionOpen...)
			e.opened = true
		} else {
			e.buf = append(e.buf, ',')
		}
		e.buf = append(e.buf, b...)
	} else {
		e.buf = append(e.buf, b...)
		e.buf = append(e.buf, '\n')
	}
	if _, err := e.zw.Write(e.buf); err != nil {
		e.err = err
		return err
	}
	e.written++
	return nil
}

// Fail appends the terminal error record. No features may follow.
func (e *Encoder) Fail(cause error) error {
	if e.err != nil {
		return e.err
	}
	if e.closed || e.framed {
		return io.ErrClosedPipe
	}
	rec, _ := json.Marshal(ErrorRecord{Type: "Error", Message: cause.Error()})
	e.buf = e.buf[:0]
	if e.format == FormatGeoJSON {
		if !e.opened {
			e.buf = append(e.buf, collectionOpen...)
			e.opened = true
		}
		e.buf = append(e.buf, `],"error":`...)
		e.buf = append(e.buf, rec...)
		e.buf = append(e.buf, '}')
	} else {
		e.buf = append(e.buf, rec...)
		e.buf = append(e.buf, '\n')
	}
	e.framed = true
	if _, err := e.zw.Write(e.buf); err != nil {
		e.err = err
		return err
	}
	return nil
}

// Close finishes framing and the gzip stream. It always releases the
// compressor, even after a sink error.
func (e *Encoder) Close() (Result, error) {
	if e.closed {
		return e.result(), e.err
	}
	e.closed = true
	if e.err == nil && e.format == FormatGeoJSON && !e.framed {
		tail := collectionClose
		if !e.opened {
			tail = collectionOpen + collectionClose
		}
		if _, err := e.zw.Write([]byte(tail)); err != nil {
			e.err = err
		}
	}
	if err := e.zw.Close(); err != nil && e.err == nil {
		e.err = err
	}
	return e.result(), e.err
}

func (e *Encoder) result() Result {
	return Result{Written: e.written, Bytes: e.sink.n}
}

// Encode drains features into sink. An error from the sequence or ctx is
// written as the terminal record and returned.
func Encode(ctx context.Context, features iter.Seq2[model.Feature, error], sink io.Writer, format Format) (Result, error) {
	enc := NewEncoder(sink, format)
	for f, err := range features {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			_ = enc.Fail(err)
			res, _ := enc.Close()
			return res, err
		}
		if werr := enc.Write(f); werr != nil {
			res, _ := enc.Close()
			return res, werr
		}
	}
	return enc.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
