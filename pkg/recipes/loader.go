package recipes

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a recipe from a yaml file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a recipe from yaml bytes.
func Parse(data []byte) (*Recipe, error) {
	var recipe Recipe
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return nil, fmt.Errorf("failed to parse recipe: %w", err)
	}
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	return &recipe, nil
}

// InterpolateArgs resolves a definition's argument values against run
// options. String values of the form "@name" are replaced by options[name];
// a reference to a missing option is an error. All other values pass
// through unchanged.
func InterpolateArgs(args map[string]any, options map[string]string) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		str, ok := value.(string)
		if !ok || !strings.HasPrefix(str, "@") {
			resolved[key] = value
			continue
		}
		name := strings.TrimPrefix(str, "@")
		replacement, ok := options[name]
		if !ok {
			return nil, fmt.Errorf("argument %q references undefined option %q", key, name)
		}
		resolved[key] = replacement
	}
	return resolved, nil
}
