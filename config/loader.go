package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "CONTEXTD_"
	// EnvNestingSeparator separates nested keys in environment variable names.
	EnvNestingSeparator = "__"
	// EnvFileSuffix marks a variable whose value is a path to read the
	// setting from, e.g. CONTEXTD_LLM__API_KEY_FILE=/run/secrets/llm_key.
	EnvFileSuffix = "_FILE"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// searchPaths are tried in order when no config file is given.
var searchPaths = []string{
	"contextd.yaml",
	"contextd.yml",
	"contextd.json",
	"configs/contextd.yaml",
	"/etc/contextd/contextd.yaml",
}

// Loader merges defaults, a config file, CONTEXTD_ environment variables
// and explicit overrides, in increasing priority.
type Loader struct {
	k       *koanf.Koanf
	source  string
	envErrs []error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k: koanf.New(Delimiter),
	}
}

// Source returns the config file the last Load read, or "" when the
// configuration came from defaults and the environment only.
func (l *Loader) Source() string {
	return l.source
}

// Load builds the configuration. Relative model, prompt, seed and glossary
// paths from a config file are resolved against the file's directory, so a
// deployment can ship the file next to its assets.
func (l *Loader) Load(configPath string, overrides map[string]any) (*Config, error) {
	if err := l.k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = discover()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		l.source = path
	}

	if err := l.k.Load(env.ProviderWithValue(EnvPrefix, Delimiter, l.envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}
	if err := errors.Join(l.envErrs...); err != nil {
		return nil, err
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if l.source != "" {
		resolveAssetPaths(&cfg, filepath.Dir(l.source))
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
	return l.k.Load(file.Provider(path), parser)
}

func discover() string {
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envValue maps one CONTEXTD_ variable to a config key and value. Variables
// ending in EnvFileSuffix are read from the named file with surrounding
// whitespace trimmed.
func (l *Loader) envValue(name, value string) (string, any) {
	if !strings.HasSuffix(name, EnvFileSuffix) {
		return envKey(name), value
	}
	target := strings.TrimSuffix(name, EnvFileSuffix)
	data, err := os.ReadFile(value)
	if err != nil {
		l.envErrs = append(l.envErrs, fmt.Errorf("%s: %w", name, err))
		return "", nil
	}
	return envKey(target), strings.TrimSpace(string(data))
}

// envKey maps an environment variable name to a config key:
//
//	CONTEXTD_SERVER__PORT            -> server.port
//	CONTEXTD_RETRIEVAL__K_CANDIDATES -> retrieval.k_candidates
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, strings.ToLower(EnvNestingSeparator), Delimiter)
}

// resolveAssetPaths anchors relative read-only asset paths at dir. Data
// locations (storage, snapshots, logs) stay relative to the working
// directory.
func resolveAssetPaths(cfg *Config, dir string) {
	for _, p := range []*string{
		&cfg.Knowledge.SeedPath,
		&cfg.Embedding.ONNX.LibraryPath,
		&cfg.Embedding.ONNX.ModelPath,
		&cfg.Embedding.ONNX.TokenizerPath,
		&cfg.Rerank.CrossEncoder.ONNX.LibraryPath,
		&cfg.Rerank.CrossEncoder.ONNX.ModelPath,
		&cfg.Rerank.CrossEncoder.ONNX.TokenizerPath,
		&cfg.Rerank.Heuristic.GlossaryPath,
		&cfg.Prompt.SystemPath,
		&cfg.Prompt.FewShotPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// structToMap flattens a struct into dot-separated mapstructure keys so
// files and env vars merge into the defaults leaf by leaf.
func structToMap(v any, prefix string) map[string]any {
	result := make(map[string]any)
	val := reflect.Indirect(reflect.ValueOf(v))
	if val.Kind() != reflect.Struct {
		return result
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		key := field.Tag.Get("mapstructure")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Ptr:
			if !fv.IsNil() {
				for k, v := range structToMap(fv.Elem().Interface(), key) {
					result[k] = v
				}
			}
		case reflect.Struct:
			for k, v := range structToMap(fv.Interface(), key) {
				result[k] = v
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			// time.Duration lands here as nanoseconds, which mapstructure decodes back.
			result[key] = fv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			result[key] = fv.Uint()
		case reflect.Float32, reflect.Float64:
			result[key] = fv.Float()
		case reflect.Bool:
			result[key] = fv.Bool()
		case reflect.String:
			result[key] = fv.String()
		case reflect.Slice:
			items := make([]any, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			result[key] = items
		case reflect.Map:
			if fv.Len() > 0 {
				result[key] = fv.Interface()
			}
		default:
			result[key] = fv.Interface()
		}
	}
	return result
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
