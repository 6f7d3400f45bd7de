package logging

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// #region csv-logger
// CSVLogger writes records to a CSV file. The header is fixed by the
// first record; later records leave absent columns blank and drop keys
// the header lacks (warned once per key).
type CSVLogger struct {
	f      *os.File
	w      *csv.Writer
	logger *slog.Logger
	header []string
	index  map[string]int
	warned map[string]bool
}

// NewCSVLogger creates path, and its directory if needed.
func NewCSVLogger(path string, logger *slog.Logger) (*CSVLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	return &CSVLogger{f: f, w: csv.NewWriter(f), logger: logger, warned: make(map[string]bool)}, nil
}

// Append writes one row and flushes it.
func (l *CSVLogger) Append(r Record) error {
	names, values := r.Columns()
	if l.header == nil {
		l.header = names
		l.index = make(map[string]int, len(names))
		for i, n := range names {
			l.index[n] = i
		}
		if err := l.w.Write(names); err != nil {
			return fmt.Errorf("write log header: %w", err)
		}
	}
	row := make([]string, len(l.header))
	for i, n := range names {
		j, ok := l.index[n]
		if !ok {
			if !l.warned[n] {
				l.warned[n] = true
				l.logger.Warn("log column not in header, dropping", "column", n, "path", l.f.Name())
			}
			continue
		}
		row[j] = strconv.FormatFloat(values[i], 'g', -1, 64)
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write log row: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the file.
func (l *CSVLogger) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
// #endregion csv-logger
