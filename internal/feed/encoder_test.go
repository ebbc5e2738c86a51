package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

func gunzip(t *testing.T, b []byte) string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	return string(out)
}

func seqOf(fs ...model.Feature) func(func(model.Feature, error) bool) {
	return func(yield func(model.Feature, error) bool) {
		for _, f := range fs {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func pt(lon, lat float64, id string) model.Feature {
	return model.NewPointFeature(lon, lat, model.Record{"id": id})
}

func TestEncode_NDJSONLines(t *testing.T) {
	var buf bytes.Buffer
	res, err := Encode(context.Background(), seqOf(pt(1, 2, "a"), pt(3, 4, "b"), pt(-5.5, 6, "c")), &buf, FormatNDJSON)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.Written != 3 {
		t.Fatalf("written = %d", res.Written)
	}
	if res.Bytes != int64(buf.Len()) {
		t.Fatalf("bytes = %d, sink holds %d", res.Bytes, buf.Len())
	}

	sc := bufio.NewScanner(strings.NewReader(gunzip(t, buf.Bytes())))
	var ids []string
	for sc.Scan() {
		var f model.Feature
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		ids = append(ids, f.Properties["id"].(string))
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestEncode_ByteCountMatchesFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson.gz")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var fs []model.Feature
	for i := range 5000 {
		fs = append(fs, pt(float64(i)/100, float64(i%90), "x"))
	}
	res, err := Encode(context.Background(), seqOf(fs...), fh, FormatNDJSON)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if res.Bytes != st.Size() {
		t.Fatalf("result bytes %d != file size %d", res.Bytes, st.Size())
	}
}

type fcDoc struct {
	Type     string          `json:"type"`
	Features []model.Feature `json:"features"`
	Error    *ErrorRecord    `json:"error"`
}

func TestEncode_GeoJSONFraming(t *testing.T) {
	var empty bytes.Buffer
	if _, err := Encode(context.Background(), seqOf(), &empty, FormatGeoJSON); err != nil {
		t.Fatalf("Encode empty: %v", err)
	}
	if got := gunzip(t, empty.Bytes()); got != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("empty collection = %s", got)
	}

	var buf bytes.Buffer
	res, err := Encode(context.Background(), seqOf(pt(1, 2, "a"), pt(3, 4, "b")), &buf, FormatGeoJSON)
	if err != nil || res.Written != 2 {
		t.Fatalf("Encode: %v written=%d", err, res.Written)
	}
	var doc fcDoc
	if err := json.Unmarshal([]byte(gunzip(t, buf.Bytes())), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Type != "FeatureCollection" || len(doc.Features) != 2 || doc.Error != nil {
		t.Fatalf("doc = %+v", doc)
	}
}

func failingSeq(err error, fs ...model.Feature) func(func(model.Feature, error) bool) {
	return func(yield func(model.Feature, error) bool) {
		for _, f := range fs {
			if !yield(f, nil) {
				return
			}
		}
		yield(model.Feature{}, err)
	}
}

func TestEncode_MidStreamErrorNDJSON(t *testing.T) {
	boom := errors.New("upstream went away")
	var buf bytes.Buffer
	res, err := Encode(context.Background(), failingSeq(boom, pt(1, 2, "a")), &buf, FormatNDJSON)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if res.Written != 1 {
		t.Fatalf("written = %d", res.Written)
	}
	lines := strings.Split(strings.TrimSpace(gunzip(t, buf.Bytes())), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	var last ErrorRecord
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decode error line: %v", err)
	}
	if last.Type != "Error" || last.Message != boom.Error() {
		t.Fatalf("error record = %+v", last)
	}
}

func TestEncode_MidStreamErrorGeoJSON(t *testing.T) {
	boom := errors.New("bad archive")
	var buf bytes.Buffer
	if _, err := Encode(context.Background(), failingSeq(boom, pt(1, 2, "a")), &buf, FormatGeoJSON); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	var doc fcDoc
	if err := json.Unmarshal([]byte(gunzip(t, buf.Bytes())), &doc); err != nil {
		t.Fatalf("truncated collection is not valid JSON: %v", err)
	}
	if len(doc.Features) != 1 || doc.Error == nil || doc.Error.Message != "bad archive" {
		t.Fatalf("doc = %+v", doc)
	}
}

type brokenSink struct{ err error }

func (b brokenSink) Write([]byte) (int, error) { return 0, b.err }

func TestEncode_FailingSinkStopsProduction(t *testing.T) {
	gone := errors.New("client disconnected")
	pulled := 0
	seq := func(yield func(model.Feature, error) bool) {
		for i := range 10000 {
			pulled++
			if !yield(pt(float64(i), 0, "x"), nil) {
				return
			}
		}
	}
	res, err := Encode(context.Background(), seq, brokenSink{gone}, FormatNDJSON)
	if !errors.Is(err, gone) {
		t.Fatalf("err = %v", err)
	}
	if pulled == 10000 || res.Written == 10000 {
		t.Fatalf("production continued after sink failure: pulled=%d written=%d", pulled, res.Written)
	}
}

func TestEncode_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	_, err := Encode(ctx, seqOf(pt(1, 2, "a")), &buf, FormatNDJSON)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(gunzip(t, buf.Bytes()), `"type":"Error"`) {
		t.Fatalf("canceled stream lacks terminal record")
	}
}

func TestEncoder_NothingReachesSinkBeforeFirstWrite(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, FormatNDJSON)
	if buf.Len() != 0 {
		t.Fatalf("sink written at construction")
	}
	if err := enc.Write(pt(1, 1, "a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Fail(errors.New("x")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := enc.Write(pt(2, 2, "b")); err == nil {
		t.Fatalf("write after Fail accepted")
	}
	if _, err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatNDJSON, "NDJSON": FormatNDJSON, "geojson": FormatGeoJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("csv"); err == nil {
		t.Fatalf("csv accepted")
	}
}
