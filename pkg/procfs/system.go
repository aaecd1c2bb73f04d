package procfs

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadAvg holds the 1, 5 and 15 minute load averages from /proc/loadavg.
type LoadAvg struct {
	Load1  float64
	Load5  float64
	Load15 float64
}

// ReadLoadAvg parses <root>/loadavg ("0.52 0.58 0.59 2/1190 12345").
func ReadLoadAvg(root string) (LoadAvg, error) {
	b, err := os.ReadFile(filepath.Join(root, "loadavg"))
	if err != nil {
		return LoadAvg{}, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return LoadAvg{}, ErrNoLoadAvg
	}

	var la LoadAvg
	for i, dst := range []*float64{&la.Load1, &la.Load5, &la.Load15} {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return LoadAvg{}, ErrNoLoadAvg
		}
		*dst = v
	}
	return la, nil
}

// MemInfo holds system-wide memory totals from /proc/meminfo, in bytes.
type MemInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
	SwapTotalBytes uint64
}

// UsedRatio is 1 - available/total, or 0 when total is unknown.
func (m MemInfo) UsedRatio() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return 1 - float64(m.AvailableBytes)/float64(m.TotalBytes)
}

// ReadMemInfo parses <root>/meminfo. MemTotal and MemAvailable are
// required; SwapTotal defaults to zero on swapless hosts.
func ReadMemInfo(root string) (MemInfo, error) {
	f, err := os.Open(filepath.Join(root, "meminfo"))
	if err != nil {
		return MemInfo{}, err
	}
	defer f.Close()

	var mi MemInfo
	var haveTotal, haveAvail bool

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			mi.TotalBytes = kbValue(line[len("MemTotal:"):]) * 1024
			haveTotal = true
		case strings.HasPrefix(line, "MemAvailable:"):
			mi.AvailableBytes = kbValue(line[len("MemAvailable:"):]) * 1024
			haveAvail = true
		case strings.HasPrefix(line, "SwapTotal:"):
			mi.SwapTotalBytes = kbValue(line[len("SwapTotal:"):]) * 1024
		}
	}
	if err := sc.Err(); err != nil {
		return MemInfo{}, err
	}
	if !haveTotal || !haveAvail {
		return MemInfo{}, ErrNoMemInfo
	}
	return mi, nil
}

// CPUStat is one cpu line of /proc/stat, in jiffies.
type CPUStat struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
}

// Total is the sum of all accounted time.
func (s CPUStat) Total() uint64 {
	return s.User + s.Nice + s.System + s.Idle + s.IOWait + s.IRQ + s.SoftIRQ + s.Steal
}

// IdleTotal is the non-active time: true idle plus I/O wait.
func (s CPUStat) IdleTotal() uint64 {
	return s.Idle + s.IOWait
}

// ReadCPUStats parses the cpu lines of <root>/stat. The key "cpu" is the
// aggregate over all cores; "cpu0", "cpu1", ... are individual cores.
func ReadCPUStats(root string) (map[string]CPUStat, error) {
	f, err := os.Open(filepath.Join(root, "stat"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]CPUStat)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}

		var vals [8]uint64
		for i := 0; i < 8 && i+1 < len(fields); i++ {
			vals[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
		}
		out[fields[0]] = CPUStat{
			User: vals[0], Nice: vals[1], System: vals[2], Idle: vals[3],
			IOWait: vals[4], IRQ: vals[5], SoftIRQ: vals[6], Steal: vals[7],
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoCPUStat
	}
	return out, nil
}
