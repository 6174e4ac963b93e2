package api

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is the canonical, deterministic CBOR encoding used for every
// on-chain-visible value in this module: sorted map keys, shortest-form
// integers, no indefinite-length items. Two validators that instrument
// and hash the same bytes must produce byte-identical wire output.
var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Marshal encodes v using the module's canonical CBOR settings.
func Marshal(v interface{}) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		// Every type in this package round-trips through CBOR; a marshal
		// failure means a programming error (e.g. an unsupported field
		// type), not a runtime condition callers can recover from.
		panic(err)
	}
	return b
}

// Unmarshal decodes into v using the module's canonical CBOR settings.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
