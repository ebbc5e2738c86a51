package keys

import (
	"regexp"
	"testing"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	p := Params{BBox: [4]float64{1, 2, 3, 4}, Start: "2023-01-01", Precision: Int(6), Sample: 2}
	k1 := Query(p)
	k2 := Query(p)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if k1 != "v2:1,2,3,4:2023-01-01::p6:s2:fndjson:gnone" {
		t.Fatalf("unexpected layout: %s", k1)
	}
}

func TestBBoxForms_ProduceSameKey(t *testing.T) {
	arr := Query(Params{BBox: [4]float64{-74.5, 40, -73, 41.25}, Start: "2023-01-01"})
	str := Query(Params{BBox: "-74.5,40,-73,41.25", Start: "2023-01-01"})
	bb := Query(Params{BBox: model.BBox{MinLng: -74.5, MinLat: 40, MaxLng: -73, MaxLat: 41.25}, Start: "2023-01-01"})
	if arr != str || arr != bb {
		t.Fatalf("bbox forms differ:\n arr=%s\n str=%s\n bb=%s", arr, str, bb)
	}
}

func TestDefaults_Applied(t *testing.T) {
	k := Query(Params{BBox: "1,2,3,4", Start: "2023-01-01", Format: "NDJSON"})
	if k != "v2:1,2,3,4:2023-01-01::p5:s1:fndjson:gnone" {
		t.Fatalf("defaults not applied: %s", k)
	}
	zero := Query(Params{BBox: "1,2,3,4", Start: "2023-01-01", Precision: Int(0)})
	if zero != "v2:1,2,3,4:2023-01-01::p0:s1:fndjson:gnone" {
		t.Fatalf("explicit precision 0 lost: %s", zero)
	}
}

func TestDifference_DistinctQueriesDistinctKeys(t *testing.T) {
	base := Params{BBox: "1,2,3,4", Start: "2023-01-01"}
	variants := []Params{
		{BBox: "1,2,3,5", Start: "2023-01-01"},
		{BBox: "1,2,3,4", Start: "2023-01-02"},
		{BBox: "1,2,3,4", Start: "2023-01-01", End: "2023-01-02"},
		{BBox: "1,2,3,4", Start: "2023-01-01", Precision: Int(6)},
		{BBox: "1,2,3,4", Start: "2023-01-01", Sample: 3},
		{BBox: "1,2,3,4", Start: "2023-01-01", Format: "geojson"},
		{BBox: "1,2,3,4", Start: "2023-01-01", Grid: "h3:7"},
	}
	k0 := Query(base)
	for _, v := range variants {
		if Query(v) == k0 {
			t.Fatalf("expected distinct key for %+v", v)
		}
	}
}

func TestFilename_Sanitized(t *testing.T) {
	name := Filename("v2:-74.5,40,-73,41:2023-01-01::p5:s1:fndjson:gh3/7")
	if name != "v2:_74.5,40,_73,41:2023_01_01::p5:s1:fndjson:gh3_7.ndjson.gz" {
		t.Fatalf("got %s", name)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_:,.]+$`).MatchString(name) {
		t.Fatalf("disallowed characters in %s", name)
	}
	if got := Filename("a b/ü"); got != "a_b__.ndjson.gz" {
		t.Fatalf("unicode sanitize: %s", got)
	}
}

func TestValidator_WeakAndStable(t *testing.T) {
	k := Query(Params{BBox: "1,2,3,4", Start: "2023-01-01"})
	v := Validator(k)
	if !regexp.MustCompile(`^W/"[0-9a-f]{16}"$`).MatchString(v) {
		t.Fatalf("bad validator %s", v)
	}
	if v != Validator(k) {
		t.Fatalf("validator not stable")
	}
	if v == Validator(k+"x") {
		t.Fatalf("validator should differ for different keys")
	}
}

func TestDayRange_FromKeyAndFilename(t *testing.T) {
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	single := Query(Params{BBox: "1,2,3,4", Start: "2023-01-01"})
	s, e, ok := DayRange(single)
	if !ok || !s.Equal(day) || !e.Equal(day) {
		t.Fatalf("single-day range: %v %v %v", s, e, ok)
	}

	multi := Query(Params{BBox: "-1,2,3,4", Start: "2023-01-01", End: "2023-01-05", Format: "geojson"})
	s, e, ok = DayRange(Filename(multi))
	if !ok || !s.Equal(day) || !e.Equal(day.AddDate(0, 0, 4)) {
		t.Fatalf("multi-day range from filename: %v %v %v", s, e, ok)
	}

	if _, _, ok := DayRange("not-a-key"); ok {
		t.Fatalf("expected failure for foreign name")
	}
}

func TestDayRange_GridTagWithSeparator(t *testing.T) {
	k := Query(Params{BBox: "1,2,3,4", Start: "2023-03-02", Grid: "h3:7"})
	s, _, ok := DayRange(k)
	if !ok || s.Format(time.DateOnly) != "2023-03-02" {
		t.Fatalf("range with grid tag: %v %v", s, ok)
	}
}
