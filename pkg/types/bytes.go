package types

import "fmt"

// Bytes is a memory size in bytes.
type Bytes uint64

var units = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// Humanized renders the size with an automatic IEC unit, two decimals
// above whole bytes.
func (b Bytes) Humanized() string {
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", uint64(b))
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

// KiB returns the size in kibibytes.
func (b Bytes) KiB() float64 { return float64(b) / 1024 }

// MiB returns the size in mebibytes.
func (b Bytes) MiB() float64 { return float64(b) / (1024 * 1024) }

func (b Bytes) String() string { return b.Humanized() }
