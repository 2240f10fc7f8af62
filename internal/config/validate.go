// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validate compiles configSchema and checks instance against it, returning a
// ConfigurationError (never panicking) on any mismatch.
func validate(instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("schema.json", configSchema)
	if err != nil {
		return fmt.Errorf("config: internal schema error: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
