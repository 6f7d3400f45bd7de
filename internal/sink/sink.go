// Package sink stores the per-entry outputs of a run: a header with the
// run configuration followed by one record per dataset entry, CBOR
// encoded in a compressed stream.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region format
const (
	magic         = "SPSK"
	formatVersion = 1
)

// ErrBadFile marks a file that is not a sink stream.
var ErrBadFile = errors.New("not a sink file")

// Header opens every sink stream.
type Header struct {
	Version   int              `cbor:"version"`
	CreatedAt time.Time        `cbor:"created_at"`
	RunID     string           `cbor:"run_id"`
	Run       config.RunConfig `cbor:"run"`
}

// record is the stored form of one entry.
type record struct {
	Index  int64                 `cbor:"index"`
	Data   map[string]batch.Wire `cbor:"data"`
	Result map[string]batch.Wire `cbor:"result"`
}

// Entry is one dataset entry read back from a sink.
type Entry struct {
	Index  int64
	Data   batch.Result
	Result batch.Result
}
// #endregion format

// #region writer
// Writer appends entries to a sink file.
type Writer struct {
	f     *os.File
	buf   *bufio.Writer
	zw    io.WriteCloser
	enc   *wire.Encoder
	count int64
}

// Create starts a new sink file at path, writing its header.
func Create(path string, comp wire.Compression, runID string, run config.RunConfig) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sink dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink: %w", err)
	}
	buf := bufio.NewWriter(f)
	if _, err := buf.Write(append([]byte(magic), byte(comp))); err != nil {
		f.Close()
		return nil, fmt.Errorf("write sink preamble: %w", err)
	}
	zw, err := wire.NewCompressWriter(buf, comp)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{f: f, buf: buf, zw: zw, enc: wire.NewEncoder(zw)}
	hdr := Header{Version: formatVersion, CreatedAt: time.Now().UTC(), RunID: runID, Run: run}
	if err := w.enc.Encode(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write sink header: %w", err)
	}
	return w, nil
}

// Append writes one record per entry of an unwrapped batch. Lists give
// one element per entry; every other value (scalars included) is copied
// into each record.
func (w *Writer) Append(data, result batch.Result) error {
	n := batch.EntryCount(data)
	if m := batch.EntryCount(result); m > n {
		n = m
	}
	for i := 0; i < n; i++ {
		rec := record{Index: w.count}
		var err error
		if rec.Data, err = entryWire(data, i); err != nil {
			return fmt.Errorf("entry %d data: %w", w.count, err)
		}
		if rec.Result, err = entryWire(result, i); err != nil {
			return fmt.Errorf("entry %d result: %w", w.count, err)
		}
		if err := w.enc.Encode(rec); err != nil {
			return fmt.Errorf("write entry %d: %w", w.count, err)
		}
		w.count++
	}
	return nil
}

// Count returns the number of entries written so far.
func (w *Writer) Count() int64 { return w.count }

// Close flushes the stream and closes the file.
func (w *Writer) Close() error {
	err := w.zw.Close()
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}

func entryWire(r batch.Result, i int) (map[string]batch.Wire, error) {
	out := make(map[string]batch.Wire, len(r))
	for k, v := range r {
		wv, err := batch.ToWire(batch.EntryAt(v, i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = wv
	}
	return out, nil
}
// #endregion writer

// #region reader
// Reader iterates the entries of a sink file.
type Reader struct {
	f      *os.File
	zr     io.ReadCloser
	dec    *wire.Decoder
	header Header
}

// Open reads the header of the sink file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	br := bufio.NewReader(f)
	pre := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, pre); err != nil || string(pre[:len(magic)]) != magic {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadFile, path)
	}
	zr, err := wire.NewDecompressReader(br, wire.Compression(pre[len(magic)]))
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Reader{f: f, zr: zr, dec: wire.NewDecoder(zr)}
	if err := r.dec.Decode(&r.header); err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrBadFile, err)
	}
	if r.header.Version != formatVersion {
		r.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFile, r.header.Version)
	}
	return r, nil
}

// Header returns the stream header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next entry, or io.EOF after the last one.
func (r *Reader) Next() (Entry, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("read entry: %w", err)
	}
	data, _, err := batch.ResultFromWire(rec.Data)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d data: %w", rec.Index, err)
	}
	result, _, err := batch.ResultFromWire(rec.Result)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d result: %w", rec.Index, err)
	}
	return Entry{Index: rec.Index, Data: data, Result: result}, nil
}

// ReadAll returns every remaining entry.
func (r *Reader) ReadAll() ([]Entry, error) {
	var out []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Close releases the file.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
// #endregion reader
