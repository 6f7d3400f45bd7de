package wire

import (
	"bytes"
	"io"
	"strconv"
	"testing"
)

func TestCompress_RoundTripAllAlgorithms(t *testing.T) {
	payload := bytes.Repeat([]byte("voxel-cluster-"), 512)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		packed, err := Compress(payload, c)
		if err != nil {
			t.Fatalf("%s compress: %v", c, err)
		}
		out, err := Decompress(packed, c, len(payload))
		if err != nil {
			t.Fatalf("%s decompress: %v", c, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("%s: round trip mismatch", c)
		}
	}
}

func TestCompress_EmptyLZ4(t *testing.T) {
	packed, err := Compress(nil, CompressionLZ4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := Decompress(packed, CompressionLZ4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(out))
	}
}

func TestDecompress_SizeMismatch(t *testing.T) {
	packed, _ := Compress([]byte("abcdef"), CompressionZstd)
	if _, err := Decompress(packed, CompressionZstd, 3); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	if err != nil || c != CompressionZstd {
		t.Errorf("expected zstd default, got %v %v", c, err)
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, _ := Marshal(a)
		if !bytes.Equal(first, next) {
			t.Fatal("expected identical encodings")
		}
	}
	if Sum(first) != Sum(mustMarshal(t, a)) {
		t.Error("expected identical digests")
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestUnmarshal_AnyMapsAreStringKeyed(t *testing.T) {
	data, _ := Marshal(map[string]any{"lr": 0.01, "state": map[string]any{"step": 3}})
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
	if _, ok := m["state"].(map[string]any); !ok {
		t.Errorf("expected nested map[string]any, got %T", m["state"])
	}
}

func TestUnmarshal_LargeContainers(t *testing.T) {
	weights := make([]float64, 300000)
	for i := range weights {
		weights[i] = float64(i) / 7
	}
	moments := make(map[string]int, 200000)
	for i := 0; i < 200000; i++ {
		moments["p"+strconv.Itoa(i)] = i
	}
	data, err := Marshal(map[string]any{"weights": weights, "moments": moments})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		Weights []float64      `cbor:"weights"`
		Moments map[string]int `cbor:"moments"`
	}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Weights) != len(weights) || out.Weights[299999] != weights[299999] {
		t.Errorf("weights: got %d elements", len(out.Weights))
	}
	if len(out.Moments) != len(moments) || out.Moments["p199999"] != 199999 {
		t.Errorf("moments: got %d pairs", len(out.Moments))
	}
}

func TestStream_RoundTripAllAlgorithms(t *testing.T) {
	payload := bytes.Repeat([]byte("entry-record-"), 1024)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		var buf bytes.Buffer
		w, err := NewCompressWriter(&buf, c)
		if err != nil {
			t.Fatalf("%s writer: %v", c, err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("%s write: %v", c, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s close: %v", c, err)
		}
		r, err := NewDecompressReader(&buf, c)
		if err != nil {
			t.Fatalf("%s reader: %v", c, err)
		}
		out, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("%s read: %v", c, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("%s: stream round trip mismatch", c)
		}
	}
}
