package api

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const gib = 1024 * 1024 * 1024

// hostStats is the machine view shown on the admin dashboard. Fields stay
// zero where /proc is unavailable.
type hostStats struct {
	CPU        float64 // 1-minute load as a percentage of all cores
	MemUsedGB  float64
	MemTotalGB float64
}

func readHostStats() hostStats {
	var hs hostStats
	if f, err := os.Open("/proc/loadavg"); err == nil {
		if load, err := parseLoadAvg(f); err == nil {
			hs.CPU = round2(load / float64(runtime.NumCPU()) * 100)
		}
		f.Close()
	}
	if f, err := os.Open("/proc/meminfo"); err == nil {
		if total, avail, err := parseMemInfo(f); err == nil {
			hs.MemTotalGB = round2(float64(total) / gib)
			hs.MemUsedGB = round2(float64(total-avail) / gib)
		}
		f.Close()
	}
	return hs
}

func parseLoadAvg(r io.Reader) (float64, error) {
	var one float64
	if _, err := fmt.Fscan(r, &one); err != nil {
		return 0, fmt.Errorf("parse loadavg: %w", err)
	}
	return one, nil
}

// parseMemInfo returns MemTotal and MemAvailable in bytes.
func parseMemInfo(r io.Reader) (total, avail uint64, err error) {
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		kb, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, haveTotal = kb*1024, true
		case "MemAvailable:":
			avail, haveAvail = kb*1024, true
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	if !haveTotal || !haveAvail || avail > total {
		return 0, 0, fmt.Errorf("meminfo: missing MemTotal or MemAvailable")
	}
	return total, avail, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
