// Package conversion implements the pure raw-to-physical conversion
// function shared by the ingest path and the backfill worker. It does
// no I/O and keeps no state beyond an optional per-profile parse cache
// the caller may build on top of Parse.
package conversion

import (
	"encoding/json"
	"fmt"
	"sort"
)

type Kind string

const (
	Linear      Kind = "linear"
	Polynomial  Kind = "polynomial"
	LookupTable Kind = "lookup_table"
)

// Profile is the parsed, typed form of a conversion payload. Parsing
// happens once at publish time (or lazily on first use); Apply never
// re-parses JSON.
type Profile struct {
	Kind         Kind
	LinearA      float64
	LinearB      float64
	Coefficients []float64
	Points       []point
}

type point struct {
	Raw      float64
	Physical float64
}

type rawLinear struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

type rawPolynomial struct {
	Coefficients []float64 `json:"coefficients"`
}

type rawLookupTable struct {
	Table []rawPoint `json:"table"`
}

type rawPoint struct {
	Raw      float64 `json:"raw"`
	Physical float64 `json:"physical"`
}

// Parse validates and parses a conversion payload for the given kind.
// It returns an error for an unknown kind or a malformed payload; the
// caller is expected to reject malformed payloads at publish time
// rather than on every reading.
func Parse(kind Kind, payload json.RawMessage) (*Profile, error) {
	switch kind {
	case Linear:
		var r rawLinear
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("linear payload: %w", err)
		}
		if r.A == nil || r.B == nil {
			return nil, fmt.Errorf("linear payload requires numeric a and b")
		}
		return &Profile{Kind: Linear, LinearA: *r.A, LinearB: *r.B}, nil

	case Polynomial:
		var r rawPolynomial
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("polynomial payload: %w", err)
		}
		if len(r.Coefficients) == 0 {
			return nil, fmt.Errorf("polynomial payload requires non-empty coefficients")
		}
		return &Profile{Kind: Polynomial, Coefficients: r.Coefficients}, nil

	case LookupTable:
		var r rawLookupTable
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("lookup_table payload: %w", err)
		}
		if len(r.Table) < 2 {
			return nil, fmt.Errorf("lookup_table payload requires at least 2 points")
		}
		points := make([]point, len(r.Table))
		for i, p := range r.Table {
			points[i] = point{Raw: p.Raw, Physical: p.Physical}
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Raw < points[j].Raw })
		return &Profile{Kind: LookupTable, Points: points}, nil

	default:
		return nil, fmt.Errorf("unknown conversion kind %q", kind)
	}
}

// Apply runs the profile against a raw reading. The boolean return is
// false when the conversion could not be computed (⊥ in the spec's
// algebra), in which case the caller must record conversion_failed.
func Apply(p *Profile, raw float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch p.Kind {
	case Linear:
		return p.LinearA*raw + p.LinearB, true

	case Polynomial:
		result := 0.0
		power := 1.0
		for _, c := range p.Coefficients {
			result += c * power
			power *= raw
		}
		return result, true

	case LookupTable:
		return applyLookupTable(p.Points, raw), true

	default:
		return 0, false
	}
}

func applyLookupTable(points []point, raw float64) float64 {
	first, last := points[0], points[len(points)-1]
	if raw <= first.Raw {
		return first.Physical
	}
	if raw >= last.Raw {
		return last.Physical
	}
	for i := 0; i < len(points)-1; i++ {
		x0, y0 := points[i].Raw, points[i].Physical
		x1, y1 := points[i+1].Raw, points[i+1].Physical
		if raw >= x0 && raw <= x1 {
			if x1 == x0 {
				return y0
			}
			t := (raw - x0) / (x1 - x0)
			return y0 + t*(y1-y0)
		}
	}
	// Unreachable given sorted, bounded points, but keep conversion
	// total rather than panicking on float edge cases.
	return last.Physical
}

// ApplyPayload is a convenience wrapper for callers (tests, one-shot
// tools) that have not pre-parsed a profile.
func ApplyPayload(kind Kind, payload json.RawMessage, raw float64) (float64, bool) {
	p, err := Parse(kind, payload)
	if err != nil {
		return 0, false
	}
	return Apply(p, raw)
}
