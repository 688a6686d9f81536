// Package export serializes buffered frames as the text table consumed by
// the plotting collaborator: one line per frame, comma separated values in
// arrival order, no header.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/klauspost/compress/zstd"
)

var ErrMalformedTable = errors.New("export: malformed table")

// FormatValue renders v in shortest round-trip form with a decimal point on
// integral values: 1.0, 2.5, -3.25, 1e+16, inf, nan.
func FormatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// ParseValue is the inverse of FormatValue.
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan":
		return math.NaN(), nil
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteTable writes frames to w, one line each.
func WriteTable(w io.Writer, frames []frame.Frame) error {
	bw := bufio.NewWriter(w)
	for _, f := range frames {
		for i, v := range f {
			if i > 0 {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(FormatValue(v)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadTable parses a table written by WriteTable. Blank lines are skipped.
func ReadTable(r io.Reader) ([]frame.Frame, error) {
	var out []frame.Frame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		f := make(frame.Frame, len(fields))
		for i, field := range fields {
			v, err := ParseValue(field)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d field %d: %v", ErrMalformedTable, line, i+1, err)
			}
			f[i] = v
		}
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Compressed reports whether path selects the zstd variant.
func Compressed(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zst")
}

// SaveFile writes frames to path atomically. A .zst suffix selects zstd.
func SaveFile(path string, frames []frame.Frame) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("export: save path required")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("export: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeTo(tmp, path, frames); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("export: rename %s: %w", path, err)
	}
	return nil
}

func writeTo(w io.Writer, path string, frames []frame.Frame) error {
	if !Compressed(path) {
		return WriteTable(w, frames)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := WriteTable(enc, frames); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// LoadFile reads a table from path, decompressing .zst files.
func LoadFile(path string) ([]frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer fh.Close()
	if !Compressed(path) {
		return ReadTable(fh)
	}
	dec, err := zstd.NewReader(fh)
	if err != nil {
		return nil, fmt.Errorf("export: zstd %s: %w", path, err)
	}
	defer dec.Close()
	return ReadTable(dec)
}

// Columns transposes frames into series: column i holds value i of every
// frame long enough to have one, in arrival order.
func Columns(frames []frame.Frame) [][]float64 {
	width := 0
	for _, f := range frames {
		if len(f) > width {
			width = len(f)
		}
	}
	cols := make([][]float64, width)
	for i := range cols {
		cols[i] = make([]float64, 0, len(frames))
	}
	for _, f := range frames {
		for i, v := range f {
			cols[i] = append(cols[i], v)
		}
	}
	return cols
}
