package trace

import (
	"fmt"
	"os"
	"strconv"
)

// WriteTimestamps serializes lap timestamps as a JSON array of seconds,
// one value per line.  The measurement harness requires the file, and its
// brackets, even when no timestamps were captured.
func WriteTimestamps(path string, ts []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString("[\n"); err != nil {
		return err
	}
	for i, t := range ts {
		line := "\t" + strconv.FormatFloat(t, 'g', -1, 64)
		if i < len(ts)-1 {
			line += ","
		}
		if _, err := f.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if _, err := f.WriteString("]\n"); err != nil {
		return err
	}
	return nil
}
