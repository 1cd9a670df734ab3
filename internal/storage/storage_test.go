package storage

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestReportPath(t *testing.T) {
	d := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		userID int64
		want   string
	}{
		{1, "reports/1/2026-03-02.html"},
		{42, "reports/42/2026-03-02.html"},
	}
	for _, tt := range tests {
		if got := ReportPath(tt.userID, d); got != tt.want {
			t.Errorf("ReportPath(%d) = %q, want %q", tt.userID, got, tt.want)
		}
	}
}

func TestReportDate(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"reports/7/2026-01-05.html", "2026-01-05"},
		{"2026-01-05.html", "2026-01-05"},
		{"reports/7/index.html", ""},
		{"reports/7/2026-01-05.txt", ""},
	}
	for _, tt := range tests {
		d, ok := ReportDate(tt.path)
		if tt.want == "" {
			if ok {
				t.Errorf("ReportDate(%q) = %v, want no date", tt.path, d)
			}
			continue
		}
		if !ok || d.Format(time.DateOnly) != tt.want {
			t.Errorf("ReportDate(%q) = %v, %v", tt.path, d, ok)
		}
	}
}

func TestDigestReaderCountsBytes(t *testing.T) {
	d := newDigestReader(strings.NewReader("abc"))
	if _, err := io.Copy(io.Discard, d); err != nil {
		t.Fatal(err)
	}
	if d.n != 3 {
		t.Errorf("n = %d", d.n)
	}
	if d.sum() != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sum = %s", d.sum())
	}
}
