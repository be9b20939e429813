package conversion

import (
	"encoding/json"
	"testing"
)

func TestApplyLinear(t *testing.T) {
	p, err := Parse(Linear, json.RawMessage(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := Apply(p, 3)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
}

func TestApplyPolynomial(t *testing.T) {
	// c0=1, c1=2, c2=3 -> 1 + 2x + 3x^2 at x=2 -> 1+4+12=17
	p, err := Parse(Polynomial, json.RawMessage(`{"coefficients":[1,2,3]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := Apply(p, 2)
	if !ok || got != 17 {
		t.Fatalf("expected 17, got %v ok=%v", got, ok)
	}
}

func TestApplyLookupTableClampAndInterpolate(t *testing.T) {
	payload := json.RawMessage(`{"table":[{"raw":0,"physical":0},{"raw":10,"physical":100},{"raw":20,"physical":200}]}`)
	p, err := Parse(LookupTable, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		raw  float64
		want float64
	}{
		{-5, 0},
		{30, 200},
		{5, 50},
		{0, 0},
		{20, 200},
	}
	for _, c := range cases {
		got, ok := Apply(p, c.raw)
		if !ok {
			t.Fatalf("raw=%v: expected ok", c.raw)
		}
		if got != c.want {
			t.Errorf("raw=%v: got %v want %v", c.raw, got, c.want)
		}
	}
}

func TestApplyLookupTableZeroWidthSegment(t *testing.T) {
	payload := json.RawMessage(`{"table":[{"raw":0,"physical":5},{"raw":0,"physical":9},{"raw":10,"physical":50}]}`)
	p, err := Parse(LookupTable, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := Apply(p, 0)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got != 5 {
		t.Errorf("expected zero-width segment to use y0=5, got %v", got)
	}
}

func TestParseUnknownKind(t *testing.T) {
	if _, err := Parse("bogus", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestParseMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		payload string
	}{
		{"linear missing b", Linear, `{"a":1}`},
		{"polynomial empty", Polynomial, `{"coefficients":[]}`},
		{"polynomial not array", Polynomial, `{"coefficients":"nope"}`},
		{"lookup too few points", LookupTable, `{"table":[{"raw":0,"physical":0}]}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Parse(c.kind, json.RawMessage(c.payload)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplyPayloadConvenienceWrapper(t *testing.T) {
	got, ok := ApplyPayload(Linear, json.RawMessage(`{"a":1,"b":0}`), 42)
	if !ok || got != 42 {
		t.Fatalf("got %v ok=%v", got, ok)
	}
	if _, ok := ApplyPayload("unknown", json.RawMessage(`{}`), 1); ok {
		t.Fatalf("expected !ok for unknown kind")
	}
}
