package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// durationKeys are the dotted paths that hold duration strings.
var durationKeys = map[string]bool{
	"runner.max_duration":             true,
	"runner.resume_delay":             true,
	"runner.running_lease":            true,
	"runner.job_timeout":              true,
	"runner.paused_ttl":               true,
	"runner.finished_ttl":             true,
	"callback.ttl":                    true,
	"task_engine.default_timeout":     true,
	"task_engine.max_queue_delay":     true,
	"task_engine.circuit_base_delay":  true,
	"task_engine.circuit_max_delay":   true,
	"task_engine.circuit_reset_after": true,
	"storage.busy_timeout":            true,
	"debug.read_timeout":              true,
	"debug.write_timeout":             true,
	"debug.idle_timeout":              true,
}

// coerceToJSONBytes converts a .yaml/.yml config to JSON so both formats go
// through the same strict decoder. Other extensions pass through untouched.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		// empty document: every section takes its defaults
		return []byte("{}"), "yaml", nil
	}
	if _, ok := v.(map[string]any); !ok {
		if _, ok := v.(map[any]any); !ok {
			return nil, "yaml", fmt.Errorf("yaml: config root must be a mapping, got %T", v)
		}
	}

	v, err := normalizeYAML("", v)
	if err != nil {
		return nil, "yaml", err
	}

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML turns YAML mappings into JSON objects, tracking the dotted
// path so errors name the offending key (e.g. "runner.paused_ttl").
func normalizeYAML(path string, in any) (any, error) {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: non-string key %v", orRoot(path), k)
			}
			m[ks] = v
		}
		return normalizeYAML(path, m)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]any, len(x))
		for _, k := range keys {
			v, err := normalizeYAML(joinPath(path, k), x[k])
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case []any:
		for i := range x {
			v, err := normalizeYAML(fmt.Sprintf("%s[%d]", path, i), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = v
		}
		return x, nil
	case int, int64, uint64, float64:
		if durationKeys[path] {
			return nil, fmt.Errorf("%s: duration must be a string with a unit (e.g. \"%vs\"), got %v", path, x, x)
		}
		return in, nil
	default:
		return in, nil
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
