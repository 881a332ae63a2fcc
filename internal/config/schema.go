package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed flock.schema.json
var flockSchemaSource string

var (
	flockSchemaOnce sync.Once
	flockSchema     *jsonschema.Schema
	flockSchemaErr  error
)

func compiledFlockSchema() (*jsonschema.Schema, error) {
	flockSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("flock.schema.json", bytes.NewReader([]byte(flockSchemaSource))); err != nil {
			flockSchemaErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		flockSchema, flockSchemaErr = compiler.Compile("flock.schema.json")
	})
	return flockSchema, flockSchemaErr
}

// ValidateFlockSchema checks a flock document against the embedded JSON
// schema before it is decoded.
func ValidateFlockSchema(data []byte, path string) error {
	schema, err := compiledFlockSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := decode(data, path, &doc); err != nil {
		return err
	}

	// Round-trip through JSON so YAML values have JSON types.
	raw, err := json.Marshal(normalize(doc))
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			errs := &ValidationErrors{}
			extractValidationErrors(verr, errs)
			if errs.HasErrors() {
				return errs
			}
		}
		return err
	}
	return nil
}

// extractValidationErrors flattens a jsonschema.ValidationError tree into
// leaf errors.
func extractValidationErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		field := err.InstanceLocation
		if field == "" {
			field = "/"
		}
		errs.Add(field, err.Message)
		return
	}
	for _, cause := range err.Causes {
		extractValidationErrors(cause, errs)
	}
}
