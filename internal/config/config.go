// Package config loads gateway configuration with precedence
// CLI flags > CAMGATE_* environment > TOML file, and manages the camera
// definitions store with its file watcher.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "CAMGATE_"

// LoadConfig fills opts, a pointer to a flat options struct whose fields
// carry `toml:"section.key"` and `env:"NAME"` tags. The field named Config
// locates the TOML file. Fields the user set on the command line are left
// alone; every other tagged field resolves through env, then file. Defaults
// already applied by the CLI layer survive when neither source has a value.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	fromCLI := cliChangedFlags(cmd)
	fromFile, err := loadFileValues(configPath(v, t))
	if err != nil {
		return err
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() || fromCLI[flagName(field.Name)] {
			continue
		}
		raw, ok := resolve(field, fromFile)
		if !ok {
			continue
		}
		if err := assign(fv, raw); err != nil {
			return fmt.Errorf("config field %s: %w", field.Name, err)
		}
	}
	return nil
}

// resolve picks a field's value: environment first, then the file map.
func resolve(field reflect.StructField, file map[string]string) (string, bool) {
	if key := field.Tag.Get("env"); key != "" {
		if val := os.Getenv(envPrefix + key); val != "" {
			return val, true
		}
	}
	if key := field.Tag.Get("toml"); key != "" {
		if val, ok := file[key]; ok {
			return val, true
		}
	}
	return "", false
}

// configPath reads the Config field, which names the TOML file.
func configPath(v reflect.Value, t reflect.Type) string {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Name == "Config" {
			return v.Field(i).String()
		}
	}
	return ""
}

// loadFileValues parses the TOML file into a flat dot-keyed map with every
// value rendered as a string, so one assignment path serves both sources.
// A missing file is an empty configuration; a malformed one is an error.
func loadFileValues(path string) (map[string]string, error) {
	out := make(map[string]string)
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, nil
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for key, val := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := val.(type) {
		case map[string]any:
			flatten(full, v, out)
		case []any:
			parts := make([]string, len(v))
			for i, e := range v {
				parts[i] = fmt.Sprint(e)
			}
			out[full] = strings.Join(parts, ",")
		default:
			out[full] = fmt.Sprint(v)
		}
	}
}

// assign parses raw into the field according to its kind.
func assign(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		fv.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// cliChangedFlags collects the flag names the user set explicitly.
func cliChangedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

// flagName converts a struct field name to its CLI flag name:
// "WorkerThreads" -> "worker-threads".
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
