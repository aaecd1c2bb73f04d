package procfs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// ProcessName resolves the display name of the process rooted at dir.
// It prefers the short comm record and falls back to the executable's
// base name from the NUL-separated cmdline record. A process exposing
// neither yields ErrNoName.
func ProcessName(dir string) (string, error) {
	if b, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if name := strings.TrimSpace(string(b)); name != "" {
			return name, nil
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil || len(b) == 0 {
		return "", ErrNoName
	}
	argv0, _, _ := bytes.Cut(b, []byte{0})
	name := filepath.Base(strings.TrimSpace(string(argv0)))
	if name == "" || name == "." || name == "/" {
		return "", ErrNoName
	}
	return name, nil
}
