// Package report parses machine-readable test runner summaries into
// the structured counts the gate reasons about.
package report

import (
	"encoding/xml"
	"fmt"
)

// Summary is the structured test report the gate evaluates.
type Summary struct {
	Tests    int     `json:"tests"`
	Failures int     `json:"failures"`
	Errors   int     `json:"errors"`
	Skipped  int     `json:"skipped"`
	TimeSec  float64 `json:"time_s"`
}

// HasData reports whether the summary describes any executed tests.
func (s *Summary) HasData() bool {
	return s != nil && s.Tests > 0
}

// junitSuite mirrors one <testsuite> element. Only the counting
// attributes matter here.
type junitSuite struct {
	Tests    int     `xml:"tests,attr"`
	Failures int     `xml:"failures,attr"`
	Errors   int     `xml:"errors,attr"`
	Skipped  int     `xml:"skipped,attr"`
	Time     float64 `xml:"time,attr"`
}

type junitSuites struct {
	Suites []junitSuite `xml:"testsuite"`
}

// ParseJUnit reads a JUnit XML document, accepting either a bare
// <testsuite> root or a <testsuites> wrapper, and aggregates counts
// across all suites.
func ParseJUnit(data []byte) (*Summary, error) {
	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse junit xml: %w", err)
	}

	sum := &Summary{}
	switch root.XMLName.Local {
	case "testsuite":
		var s junitSuite
		if err := xml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse junit testsuite: %w", err)
		}
		addSuite(sum, s)
	case "testsuites":
		var ss junitSuites
		if err := xml.Unmarshal(data, &ss); err != nil {
			return nil, fmt.Errorf("parse junit testsuites: %w", err)
		}
		for _, s := range ss.Suites {
			addSuite(sum, s)
		}
	default:
		return nil, fmt.Errorf("unexpected junit root element %q", root.XMLName.Local)
	}
	return sum, nil
}

func addSuite(sum *Summary, s junitSuite) {
	sum.Tests += s.Tests
	sum.Failures += s.Failures
	sum.Errors += s.Errors
	sum.Skipped += s.Skipped
	sum.TimeSec += s.Time
}

// FromRawOutput extracts a summary from an adapter's raw output map,
// used by runners that report counts directly instead of writing a
// JUnit file. Missing keys yield zero values; a map with no test
// count yields nil.
func FromRawOutput(raw map[string]any) *Summary {
	if raw == nil {
		return nil
	}
	tests, ok := toInt(raw["tests"])
	if !ok {
		return nil
	}
	sum := &Summary{Tests: tests}
	if v, ok := toInt(raw["failures"]); ok {
		sum.Failures = v
	}
	if v, ok := toInt(raw["errors"]); ok {
		sum.Errors = v
	}
	if v, ok := toInt(raw["skipped"]); ok {
		sum.Skipped = v
	}
	if f, ok := raw["time_s"].(float64); ok {
		sum.TimeSec = f
	}
	return sum
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
