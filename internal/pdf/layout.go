package pdf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// field is one laid-out row of the document body.
type field struct {
	Label string
	Value string
}

// layoutContent flattens the opaque form content into a stable list of
// label/value rows. Keys are sorted and numbers kept in their literal form,
// so the same content always lays out identically regardless of map
// iteration order or float formatting.
func layoutContent(content json.RawMessage) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding form content: %w", err)
	}

	fields := make([]field, 0, len(root))
	flatten("", root, &fields)
	return fields, nil
}

func flatten(prefix string, value any, out *[]field) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinPath(prefix, k), v[k], out)
		}
	case []any:
		for i, item := range v {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, out)
		}
	case nil:
		*out = append(*out, field{Label: prefix, Value: ""})
	case json.Number:
		*out = append(*out, field{Label: prefix, Value: v.String()})
	case bool:
		*out = append(*out, field{Label: prefix, Value: fmt.Sprintf("%t", v)})
	default:
		*out = append(*out, field{Label: prefix, Value: fmt.Sprintf("%v", v)})
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// titleFor maps a form type identifier to its document heading.
func titleFor(formType string) string {
	switch formType {
	case "formr-parta":
		return "Form R Part A"
	case "formr-partb":
		return "Form R Part B"
	}
	// Unknown types should have been rejected upstream, fall back to the raw
	// identifier rather than failing a render.
	return strings.ToUpper(formType)
}
