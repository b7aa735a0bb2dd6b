// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// File is the on-disk form of a list of geometries. In TOML every entry is
// a [[geometry]] table.
type File struct {
	Geometries []Geometry `yaml:"geometries" toml:"geometry" json:"geometries"`
}

// ReadFile reads geometries from a YAML, TOML or JSON file. The format is
// selected by the file extension.
func ReadFile(name string) ([]Geometry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var f File
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	default:
		return nil, fmt.Errorf("mcu: %s: unknown catalog format %q", name, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("mcu: %s: %w", name, err)
	}
	if len(f.Geometries) == 0 {
		return nil, fmt.Errorf("mcu: %s: no geometries", name)
	}
	return f.Geometries, nil
}

// Load returns the built-in catalog extended with the geometries from the
// named files.
func Load(files ...string) (*Catalog, error) {
	c := Builtin()
	for _, name := range files {
		if name == "" {
			continue
		}
		gs, err := ReadFile(name)
		if err != nil {
			return nil, err
		}
		if c, err = c.Merge(gs...); err != nil {
			return nil, fmt.Errorf("mcu: %s: %w", name, err)
		}
	}
	return c, nil
}
