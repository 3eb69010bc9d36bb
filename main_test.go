package main

import (
	"strings"
	"testing"
)

func TestResolveDates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		date      string
		start     string
		end       string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{name: "single date", date: "2025-01-15", wantStart: "2025-01-15", wantEnd: "2025-01-15"},
		{name: "range", start: "2025-01-01", end: "2025-01-31", wantStart: "2025-01-01", wantEnd: "2025-01-31"},
		{name: "none", wantErr: true},
		{name: "date and range", date: "2025-01-15", start: "2025-01-01", end: "2025-01-31", wantErr: true},
		{name: "half range", start: "2025-01-01", wantErr: true},
		{name: "inverted range", start: "2025-01-31", end: "2025-01-01", wantErr: true},
		{name: "bad format", date: "15/01/2025", wantErr: true},
		{name: "impossible date", date: "2025-02-30", wantErr: true},
	}
	for _, tc := range cases {
		start, end, err := resolveDates(tc.date, tc.start, tc.end)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if start.Format("2006-01-02") != tc.wantStart || end.Format("2006-01-02") != tc.wantEnd {
			t.Fatalf("%s: got %s..%s", tc.name, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}
	}
}

func TestResolveExchanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		flag    string
		extra   []string
		want    string
		wantErr bool
	}{
		{name: "default all", want: "LSE,CME,NYQ"},
		{name: "single", flag: "CME", want: "CME"},
		{name: "comma list", flag: "NYQ,LSE", want: "LSE,NYQ"},
		{name: "trailing args", flag: "LSE", extra: []string{"CME", "NYQ"}, want: "LSE,CME,NYQ"},
		{name: "lower case", flag: "lse", want: "LSE"},
		{name: "canonical order preserved", flag: "NYQ,CME,LSE", want: "LSE,CME,NYQ"},
		{name: "unknown", flag: "NASDAQ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := resolveExchanges(tc.flag, tc.extra)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if joined := strings.Join(got, ","); joined != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, joined, tc.want)
		}
	}
}
