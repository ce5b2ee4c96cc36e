// Package payload extracts correlation values from JSON payloads by dot-path.
package payload

import (
	"strconv"
	"strings"

	"github.com/pubtrack/pubtrack/internal/tracker/jsoncodec"
)

// Extract walks the decoded JSON document along the dot-separated path and
// returns the value at the leaf rendered as a string. Nested paths such as
// "user.id" are supported. The second return value reports whether a usable
// scalar was found; null values, missing segments and compound leaves all
// report false.
func Extract(doc any, path string) (string, bool) {
	if path == "" {
		return "", false
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[segment]
		if !ok {
			return "", false
		}
	}

	return stringify(current)
}

// ExtractBytes decodes raw JSON and extracts the value at path.
func ExtractBytes(data []byte, path string) (string, bool) {
	var doc any
	if err := jsoncodec.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	return Extract(doc, path)
}

func stringify(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		if value == "" {
			return "", false
		}
		return value, true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(value), true
	default:
		// null, objects and arrays are not usable correlation values.
		return "", false
	}
}
