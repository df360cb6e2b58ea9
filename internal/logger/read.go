package logger

import (
	"bytes"
	"os"
)

// ReadLog returns the content of a log file written through OutputWriter.
// With tail > 0 only the last tail lines are returned. Rotated backups are
// not included.
func ReadLog(path string, tail int) ([]byte, error) {
	// #nosec G304 -- callers resolve path inside a test or series directory
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return b, nil
	}
	return lastLines(b, tail), nil
}

func lastLines(b []byte, n int) []byte {
	end := len(b)
	// A trailing newline ends the last line; it does not start another.
	if end > 0 && b[end-1] == '\n' {
		end--
	}
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(b[:end], '\n')
		if j < 0 {
			return b
		}
		end = j
	}
	return b[end+1:]
}
