// Package checkpoint saves and restores model snapshots: the iteration
// counter, the model state and the optimizer state.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region types
// Tensor is one stored model parameter or buffer.
type Tensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// State maps fully-qualified parameter names to tensors.
type State map[string]Tensor

// Keys returns the parameter names of s in no particular order.
func (s State) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Checkpoint is the persisted snapshot. Never mutated once built.
type Checkpoint struct {
	Iteration      int64           `cbor:"iteration"`
	ModelState     State           `cbor:"model_state"`
	OptimizerState wire.RawMessage `cbor:"optimizer_state"`
}
// #endregion types

// #region header
const (
	magic         = "SPCK"
	formatVersion = 1
	headerSize    = len(magic) + 1 + 1 + 8 + 32
)

// ErrCorrupt marks a checkpoint file that fails its integrity checks.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Header is the fixed-size preamble of a checkpoint file. Digest is the
// BLAKE3 hash of the uncompressed payload.
type Header struct {
	Version     uint8
	Compression wire.Compression
	Size        uint64
	Digest      wire.Digest
}

func (h Header) marshal() []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, magic...)
	buf = append(buf, h.Version, byte(h.Compression))
	buf = binary.BigEndian.AppendUint64(buf, h.Size)
	return append(buf, h.Digest[:]...)
}

// ReadHeader reads and checks the preamble of a checkpoint stream.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if string(buf[:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrCorrupt, buf[:4])
	}
	h := Header{
		Version:     buf[4],
		Compression: wire.Compression(buf[5]),
		Size:        binary.BigEndian.Uint64(buf[6:14]),
	}
	copy(h.Digest[:], buf[14:])
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	return h, nil
}
// #endregion header

// #region encode
// Encode writes c to w and returns the payload digest.
func Encode(w io.Writer, c Checkpoint, compression wire.Compression) (wire.Digest, error) {
	payload, err := wire.Marshal(c)
	if err != nil {
		return wire.Digest{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	packed, err := wire.Compress(payload, compression)
	if err != nil {
		return wire.Digest{}, err
	}
	h := Header{
		Version:     formatVersion,
		Compression: compression,
		Size:        uint64(len(payload)),
		Digest:      wire.Sum(payload),
	}
	if _, err := w.Write(h.marshal()); err != nil {
		return wire.Digest{}, err
	}
	if _, err := w.Write(packed); err != nil {
		return wire.Digest{}, err
	}
	return h.Digest, nil
}

// Decode reads a checkpoint written by Encode and verifies its digest.
func Decode(r io.Reader) (Checkpoint, Header, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Checkpoint{}, Header{}, err
	}
	packed, err := io.ReadAll(r)
	if err != nil {
		return Checkpoint{}, h, fmt.Errorf("read checkpoint body: %w", err)
	}
	payload, err := wire.Decompress(packed, h.Compression, int(h.Size))
	if err != nil {
		return Checkpoint{}, h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if sum := wire.Sum(payload); sum != h.Digest {
		return Checkpoint{}, h, fmt.Errorf("%w: digest %s, header says %s", ErrCorrupt, sum.Short(), h.Digest.Short())
	}
	var c Checkpoint
	if err := wire.Unmarshal(payload, &c); err != nil {
		return Checkpoint{}, h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return c, h, nil
}
// #endregion encode
