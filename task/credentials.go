package task

import (
	"fmt"

	yaml "gopkg.in/yaml.v2"
)

// parseCredentials reads the rendered bind template into a credentials map.
// Nested maps are rekeyed to strings so the result survives the store's JSON
// encoding.
func parseCredentials(output string) (map[string]interface{}, error) {
	parsed := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(output), &parsed); err != nil {
		return nil, fmt.Errorf("rendered credentials are not valid YAML: %s", err)
	}
	credentials := map[string]interface{}{}
	for key, value := range parsed {
		credentials[key] = normalise(value)
	}
	return credentials, nil
}

func normalise(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[interface{}]interface{}:
		rekeyed := map[string]interface{}{}
		for key, nested := range typed {
			rekeyed[fmt.Sprintf("%v", key)] = normalise(nested)
		}
		return rekeyed
	case []interface{}:
		for i := range typed {
			typed[i] = normalise(typed[i])
		}
	}
	return value
}
