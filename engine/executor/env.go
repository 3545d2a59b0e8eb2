package executor

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

// loadDotEnv reads path if it exists. A missing file yields no variables.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return vars, nil
}

// mergeEnvironment overlays each layer, in order, on top of base.
func mergeEnvironment(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		equal := strings.IndexByte(kv, '=')
		if equal <= 0 {
			continue
		}
		key := kv[:equal]
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = kv[equal+1:]
	}
	for _, layer := range layers {
		for _, key := range slices.Sorted(maps.Keys(layer)) {
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = layer[key]
		}
	}
	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+merged[key])
	}
	return out
}
