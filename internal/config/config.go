// Package config fills option structs from a TOML file, CAMHLS_* environment
// variables and command line flags, and watches config files for changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kidcam/camhls/internal/logging"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "CAMHLS_"

// configField names the field holding the config file path.
const configField = "Config"

var durationType = reflect.TypeOf(time.Duration(0))

// binding is one settable option field and where its value may come from.
type binding struct {
	name  string
	value reflect.Value
	flag  string
	toml  string
	env   string
}

func bindingsOf(opts any) ([]binding, error) {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("config: options must be a pointer to a struct, got %T", opts)
	}
	v = v.Elem()

	var out []binding
	for _, f := range reflect.VisibleFields(v.Type()) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		out = append(out, binding{
			name:  f.Name,
			value: v.FieldByIndex(f.Index),
			flag:  flagName(f.Name),
			toml:  f.Tag.Get("toml"),
			env:   f.Tag.Get("env"),
		})
	}
	return out, nil
}

// LoadConfig fills opts in order of precedence: command line flags, then
// environment, then the TOML file named by the Config field. Flags the user
// set on cmd are left untouched. A missing config file is not an error.
func LoadConfig(opts any, cmd *cobra.Command) error {
	fields, err := bindingsOf(opts)
	if err != nil {
		return err
	}
	changed := changedFlags(cmd)

	var doc map[string]any
	if path := configPath(fields, changed); path != "" {
		if doc, err = readTOML(path); err != nil {
			return err
		}
	}

	for _, b := range fields {
		if changed[b.flag] {
			continue
		}
		if b.toml != "" && doc != nil {
			if raw, ok := lookupPath(doc, b.toml); ok {
				if err := assign(b.value, raw); err != nil {
					return fmt.Errorf("%s: %w", b.toml, err)
				}
			}
		}
		if b.env != "" {
			if s := os.Getenv(EnvPrefix + b.env); s != "" {
				if err := parseInto(b.value, s); err != nil {
					return fmt.Errorf("%s%s: %w", EnvPrefix, b.env, err)
				}
			}
		}
	}
	return nil
}

func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := map[string]bool{}
	if cmd == nil {
		return changed
	}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	return changed
}

// configPath resolves the config file before anything else is loaded, so
// the environment can point at a different file.
func configPath(fields []binding, changed map[string]bool) string {
	for _, b := range fields {
		if b.name != configField || b.value.Kind() != reflect.String {
			continue
		}
		if b.env != "" && !changed[b.flag] {
			if s := os.Getenv(EnvPrefix + b.env); s != "" {
				b.value.SetString(s)
			}
		}
		return b.value.String()
	}
	return ""
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}
	return doc, nil
}

// flagName converts a field name to its kebab-case flag name, the same way
// huma derives flags: "StreamsRoot" -> "streams-root".
func flagName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookupPath walks a dotted key through nested TOML tables.
func lookupPath(doc map[string]any, path string) (any, bool) {
	table := doc
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := table[key].(map[string]any)
		if !ok {
			return nil, false
		}
		table = next
	}
	v, ok := table[keys[len(keys)-1]]
	return v, ok
}

// assign stores a decoded TOML value. Durations accept a Go duration string
// ("2s") or an integer number of seconds. Values of the wrong TOML type are
// rejected.
func assign(field reflect.Value, raw any) error {
	if !field.CanSet() {
		return nil
	}
	mismatch := fmt.Errorf("cannot use %T as %s", raw, field.Type())

	if field.Type() == durationType {
		switch v := raw.(type) {
		case string:
			return parseInto(field, v)
		case int64:
			field.SetInt(v * int64(time.Second))
			return nil
		}
		return mismatch
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return mismatch
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, ok := raw.(int64)
		if !ok {
			return mismatch
		}
		field.SetInt(n)
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return mismatch
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return mismatch
			}
			out = append(out, s)
		}
		field.Set(reflect.ValueOf(out))
	}
	return nil
}

// parseInto stores a string value from the environment. String slices are
// comma separated.
func parseInto(field reflect.Value, s string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	}
	return nil
}

// LoadLoggingConfig reads the [logging] table: "level" and "format" are
// global, every other key is a module name. Problems reading the file yield
// the defaults.
func LoadLoggingConfig(path string) logging.Config {
	cfg := logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}

	if path == "" {
		return cfg
	}
	doc, err := readTOML(path)
	if err != nil || doc == nil {
		return cfg
	}
	table, _ := doc["logging"].(map[string]any)
	for key, raw := range table {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
