// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/embeddedgo/linktools/linkflash/internal/configpaths"
)

type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Write a configuration template"`
}

// ConfigInit writes a configuration file with the defaults of the global
// flags and the flags of a command.
type ConfigInit struct {
	Command string `arg:"" help:"Command to write the configuration for" enum:"flash,recover,list,image"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"yaml"`
	Output  string `help:"Destination file (default: the user configuration directory)" type:"path"`
	Force   bool   `help:"Overwrite an existing file"`
}

func (c *ConfigInit) Run(env *Env) error {
	data, err := Template(c.Command, c.Format)
	if err != nil {
		return err
	}
	dest := c.Output
	if dest == "" {
		if dest, err = configpaths.DefaultPath("config", c.Format); err != nil {
			return err
		}
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists, use --force to overwrite it", dest)
		}
	}
	if err = configpaths.EnsureDir(dest); err != nil {
		return err
	}
	if err = os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	env.Log.Info("wrote configuration", "file", dest)
	return nil
}

// Template returns the configuration template for command in format.
func Template(command, format string) ([]byte, error) {
	root := flagMap(reflect.TypeOf(Globals{}))
	var cmd reflect.Type
	switch command {
	case "flash":
		cmd = reflect.TypeOf(Flash{})
	case "recover":
		cmd = reflect.TypeOf(Recover{})
	case "list":
		cmd = reflect.TypeOf(List{})
	case "image":
		cmd = reflect.TypeOf(Image{})
	default:
		return nil, errors.New("unknown command " + command)
	}
	for k, v := range flagMap(cmd) {
		root[k] = v
	}
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(root, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(root)
	case "toml":
		return toml.Marshal(root)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// flagMap maps the flag names of the fields of t to their defaults. Flags
// with a prefix are grouped in nested maps.
func flagMap(t reflect.Type) map[string]any {
	out := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("cmd"); ok {
			continue
		}
		if _, ok := f.Tag.Lookup("arg"); ok {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok || f.Anonymous {
			sub := flagMap(f.Type)
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
			} else {
				for k, v := range sub {
					out[k] = v
				}
			}
			continue
		}
		name := f.Tag.Get("name")
		if name == "" {
			name = kebab(f.Name)
		}
		if name == "config" {
			continue
		}
		if v := defaultValue(f.Type, f.Tag.Get("default")); v != nil {
			out[name] = v
		}
	}
	return out
}

func kebab(s string) string {
	var b strings.Builder
	r := []rune(s)
	for i, c := range r {
		if unicode.IsUpper(c) && i > 0 &&
			(unicode.IsLower(r[i-1]) || i+1 < len(r) && unicode.IsLower(r[i+1])) {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

func defaultValue(t reflect.Type, def string) any {
	if t.PkgPath() == "time" && t.Name() == "Duration" {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 0, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 0, 64)
		return n
	case reflect.Struct:
		return flagMap(t)
	}
	return nil
}
