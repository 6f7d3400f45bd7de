package wire

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// #region modes
// encMode uses Core Deterministic Encoding: sorted map keys, smallest
// integer encoding. The same checkpoint always produces identical bytes,
// which keeps digests stable.
var encMode cbor.EncMode

// decMode decodes any-typed targets into map[string]any so opaque
// optimizer state stays usable from Go. Weight tensors and gathered
// outputs run to millions of elements, so arrays and maps are only
// bounded by the format.
var decMode cbor.DecMode

const maxContainerLen = 2147483647

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: maxContainerLen,
		MaxMapPairs:      maxContainerLen,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}
// #endregion modes

// #region api
// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a deterministic stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
// #endregion api
