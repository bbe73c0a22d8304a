// Package pidplot plots controller debug logs: comma-separated numeric
// columns with one header line.
package pidplot

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dronepilot/pilotnet/plotting"
	"github.com/pkg/errors"
)

// MaxLineBytes bounds a single log line.
const MaxLineBytes = 16 << 20

// Default columns plotted by the CLI.
const (
	DefaultColumnA = 3
	DefaultColumnB = 4
)

// ReadColumns parses path into columns. The first line is skipped and the
// first data line fixes the column count. Zero values are dropped from each
// column independently, so rows of different columns do not stay aligned.
func ReadColumns(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log")
	}
	defer f.Close()

	var columns [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 || strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if columns == nil {
			columns = make([][]float64, len(fields))
		}
		if len(fields) > len(columns) {
			return nil, errors.Errorf("line %d has %d fields, expected at most %d", lineNo, len(fields), len(columns))
		}
		for i, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d field %d", lineNo, i)
			}
			if v != 0 {
				columns[i] = append(columns[i], v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read log")
	}
	return columns, nil
}

// Plot draws columns a and b against their sample index and writes a PNG.
func Plot(columns [][]float64, a, b int, path string) error {
	for _, c := range []int{a, b} {
		if c < 0 || c >= len(columns) {
			return errors.Errorf("column %d out of range (have %d)", c, len(columns))
		}
	}
	chart := plotting.Chart{
		Title:  "PID log",
		XLabel: "sample",
		YLabel: "value",
		Series: []plotting.Series{
			{Name: fmt.Sprintf("column %d", a), Y: columns[a]},
			{Name: fmt.Sprintf("column %d", b), Y: columns[b]},
		},
	}
	return chart.SavePNG(path)
}
