package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadYAMLDefaults reads a flat YAML file of setting names to values and
// exports every setting that is not already in the environment, the same
// precedence godotenv gives a .env file. Lists become comma separated.
func loadYAMLDefaults(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("config file not found: %s", path)
		}
		return 0, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applied := 0
	for key, value := range raw {
		name := strings.ToUpper(strings.TrimSpace(key))
		if name == "" || value == nil {
			continue
		}
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, yamlValue(value)); err != nil {
			return applied, fmt.Errorf("failed to set %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}

func yamlValue(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ",")
}
