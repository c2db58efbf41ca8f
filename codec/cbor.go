package codec

import (
	"reflect"

	cborlib "github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cborlib.EncMode
	cborDec cborlib.DecMode
)

func init() {
	var err error
	cborEnc, err = cborlib.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// decode maps into map[string]any so decoded values round-trip through encoding/json
	cborDec, err = cborlib.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBOR is the default codec.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (CBOR) Unmarshal(b []byte, v any) error { return cborDec.Unmarshal(b, v) }
