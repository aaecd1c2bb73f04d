package procfs

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CPUTimeSeconds reads cumulative user+system CPU time for the process
// rooted at dir, in seconds. clkTck is the clock-ticks-per-second
// constant (see ClockTicks).
//
// Field order in stat is fixed, but comm (2nd field) is in parens and may
// contain spaces, so everything before the closing ") " is stripped before
// indexing. Relative to the post-comm fields: utime is fields[11], stime
// is fields[12].
func CPUTimeSeconds(dir string, clkTck int) (float64, error) {
	f, err := os.Open(filepath.Join(dir, "stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, ErrNoStat
	}
	line := sc.Text()

	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])
	if len(fields) < 13 {
		return 0, ErrShortStat
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, ErrNoStat
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, ErrNoStat
	}

	if clkTck <= 0 {
		clkTck = 100
	}
	return float64(utime+stime) / float64(clkTck), nil
}
