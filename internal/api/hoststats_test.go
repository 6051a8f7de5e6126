package api

import (
	"strings"
	"testing"
)

func TestParseLoadAvg(t *testing.T) {
	load, err := parseLoadAvg(strings.NewReader("1.50 0.80 0.40 2/512 12345\n"))
	if err != nil {
		t.Fatalf("parseLoadAvg: %v", err)
	}
	if load != 1.5 {
		t.Fatalf("expected 1.5, got %v", load)
	}
	if _, err := parseLoadAvg(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty loadavg")
	}
}

func TestParseMemInfo(t *testing.T) {
	const meminfo = `MemTotal:        8388608 kB
MemFree:          524288 kB
MemAvailable:    2097152 kB
Buffers:          102400 kB
`
	total, avail, err := parseMemInfo(strings.NewReader(meminfo))
	if err != nil {
		t.Fatalf("parseMemInfo: %v", err)
	}
	if total != 8*gib || avail != 2*gib {
		t.Fatalf("unexpected totals: total=%d avail=%d", total, avail)
	}
	if got := round2(float64(total-avail) / gib); got != 6 {
		t.Fatalf("expected 6 GB used, got %v", got)
	}

	if _, _, err := parseMemInfo(strings.NewReader("MemTotal: 1024 kB\n")); err == nil {
		t.Fatalf("expected error without MemAvailable")
	}
}
