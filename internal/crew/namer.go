package crew

import (
	"fmt"
	"strings"
)

// NodeName returns the graph node name of a unit: its kind, then its name,
// or "#" and its position when it has none.
func NodeName(kind Kind, name string, index int) string {
	if name == "" {
		return fmt.Sprintf("%s__#%d", kind, index)
	}
	return string(kind) + "__" + name
}

// NameUnits assigns a node name to each unit of one kind. A name already
// taken by an earlier unit falls back to the positional form.
func NameUnits(kind Kind, names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if seen[name] {
			name = ""
		}
		if name != "" {
			seen[name] = true
		}
		out[i] = NodeName(kind, name, i)
	}
	return out
}

func validateUnitName(kind Kind, name string) error {
	if strings.HasPrefix(name, "#") {
		return configErrorf("%s name %q must not start with '#'", kind, name)
	}
	return nil
}
