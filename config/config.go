// Package config loads the gas cost schedule and limits of the policy
// and gas model from a TOML file, falling back to the engine's built-in
// defaults when none is supplied. This is the "fixed, consensus-stable
// table" an embedding runtime is expected to publish and pin.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/anonymousGiga/oasis-sdk/gas"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// Load reads path as a TOML-encoded gas.Params document. A missing file
// is not an error: it returns gas.DefaultParams() unchanged, mirroring
// how the engine behaves when no embedding runtime override is present.
func Load(path string) (gas.Params, error) {
	params := gas.DefaultParams()
	if path == "" {
		return params, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return gas.Params{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&params); err != nil {
		return gas.Params{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return params, nil
}

// Save writes params to path as TOML, for an operator to inspect or
// start editing from the compiled-in defaults.
func Save(path string, params gas.Params) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()
	return tomlSettings.NewEncoder(f).Encode(params)
}
