package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile loads configuration from a TOML file on top of the
// values already in cfg and trims whitespace from all string fields.
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors are returned with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// Pipelines declared in the file replace the defaults wholesale instead of
	// being merged element by element.
	defaults := cfg.Pipelines
	cfg.Pipelines = nil

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			cfg.Pipelines = defaults
			return enhanceConfigError(err)
		}

		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err.Error())
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
		if parseErr != nil {
			cfg.Pipelines = defaults
			return enhanceConfigError(err)
		}

		cfg.Pipelines = nil
		metadata, err = toml.Decode(cleanedContent, cfg)
		if err != nil {
			cfg.Pipelines = defaults
			return enhanceConfigError(err)
		}
	}

	if !metadata.IsDefined("pipeline") {
		cfg.Pipelines = defaults
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// LoadConfig returns the defaults overlaid with configPath. A missing file
// is not an error when allowMissing is set.
func LoadConfig(configPath string, allowMissing bool) (Config, error) {
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) && allowMissing {
			log.Printf("WARNING: configuration file '%s' not found. Using defaults.", configPath)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to load configuration from '%s': %w", configPath, err)
	}
	return cfg, nil
}

// removeDuplicateKeysFromTOML comments out every repeated key, keeping the
// first occurrence. Each [[array.table]] header starts a new element, so the
// keys recorded under it (and under its sub-tables) are forgotten.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	var result []string
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seenKeys {
				if strings.HasPrefix(k, currentSection+".") {
					delete(seenKeys, k)
				}
			}
			result = append(result, line)
			continue
		} else if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			result = append(result, line)
			continue
		}

		if parts := strings.SplitN(trimmed, "=", 2); len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			fullKey := key
			if currentSection != "" {
				fullKey = currentSection + "." + key
			}

			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - Section headers use [section] or [[array]] format\n"+
			"  - Pipeline stages are declared as [[pipeline.stage]] below their [[pipeline]]", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String || v.IsNil() {
			return
		}
		for _, k := range v.MapKeys() {
			v.SetMapIndex(k, reflect.ValueOf(strings.TrimSpace(v.MapIndex(k).String())))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port-style fields that accept a string or an integer.
		if !v.IsNil() && v.CanSet() {
			if elem := v.Elem(); elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
