package crew

// UnitRef is a registered unit as seen by the interrupt collector.
type UnitRef struct {
	Name   string
	Node   string
	Before bool
	After  bool
}

// InterruptSet holds the node names a compiled graph pauses at.
type InterruptSet struct {
	Before []string `json:"before"`
	After  []string `json:"after"`
}

// CollectInterrupts merges per-unit flags, unit names and node names into
// two deduplicated sets. Unit names that match no registered unit are
// ignored; node names are passed through for the graph to validate.
func CollectInterrupts(units []UnitRef, cfg InterruptConfig) InterruptSet {
	byName := make(map[string][]string)
	for _, u := range units {
		if u.Name != "" {
			byName[u.Name] = append(byName[u.Name], u.Node)
		}
	}

	before := newOrderedSet()
	after := newOrderedSet()
	for _, u := range units {
		if u.Before {
			before.add(u.Node)
		}
		if u.After {
			after.add(u.Node)
		}
	}
	for _, name := range cfg.Before {
		before.add(byName[name]...)
	}
	for _, name := range cfg.After {
		after.add(byName[name]...)
	}
	before.add(cfg.BeforeNodes...)
	after.add(cfg.AfterNodes...)

	return InterruptSet{Before: before.items, After: after.items}
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(names ...string) {
	for _, n := range names {
		if n == "" || s.seen[n] {
			continue
		}
		s.seen[n] = true
		s.items = append(s.items, n)
	}
}
