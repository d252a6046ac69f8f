package module

import (
	"fmt"
	"strconv"
	"strings"
)

// Argument helpers shared by module implementations. Recipe argument maps
// come out of yaml, so numeric values may arrive as int, int64 or float64
// and lists as []any.

// StringArg returns a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	str, ok := value.(string)
	if !ok || str == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return str, nil
}

// OptionalStringArg returns a string argument or the fallback when absent.
func OptionalStringArg(args map[string]any, key, fallback string) (string, error) {
	value, ok := args[key]
	if !ok {
		return fallback, nil
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return str, nil
}

// IntArg returns an integer argument or the fallback when absent.
func IntArg(args map[string]any, key string, fallback int) (int, error) {
	value, ok := args[key]
	if !ok {
		return fallback, nil
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", key, value)
	}
}

// BoolArg returns a boolean argument or the fallback when absent.
func BoolArg(args map[string]any, key string, fallback bool) (bool, error) {
	value, ok := args[key]
	if !ok {
		return fallback, nil
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("argument %q must be a boolean: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("argument %q must be a boolean, got %T", key, value)
	}
}

// StringListArg returns a list argument given either as a yaml sequence or
// as a comma-separated string.
func StringListArg(args map[string]any, key string) ([]string, error) {
	value, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing required argument %q", key)
	}
	switch v := value.(type) {
	case string:
		var list []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("argument %q is empty", key)
		}
		return list, nil
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q must be a list of strings", key)
			}
			list = append(list, str)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("argument %q is empty", key)
		}
		return list, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("argument %q must be a list of strings, got %T", key, value)
	}
}
