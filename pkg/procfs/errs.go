package procfs

import "errors"

var (
	// ErrNoStat indicates that <dir>/stat was empty or malformed.
	ErrNoStat = errors.New("procfs: malformed or empty stat")

	// ErrShortStat indicates that <dir>/stat had fewer fields than expected.
	ErrShortStat = errors.New("procfs: short stat")

	// ErrNoName indicates that neither comm nor cmdline yielded a process name.
	ErrNoName = errors.New("procfs: no process name")

	// ErrNoMemSource indicates that neither smaps_rollup nor smaps exists.
	ErrNoMemSource = errors.New("procfs: no memory map source")

	// ErrNoLoadAvg indicates that loadavg was empty or malformed.
	ErrNoLoadAvg = errors.New("procfs: malformed loadavg")

	// ErrNoMemInfo indicates that meminfo lacked MemTotal or MemAvailable.
	ErrNoMemInfo = errors.New("procfs: incomplete meminfo")

	// ErrNoCPUStat indicates that stat contained no cpu lines.
	ErrNoCPUStat = errors.New("procfs: no cpu lines in stat")
)
