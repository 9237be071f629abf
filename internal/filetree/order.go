package filetree

import "sort"

// Dependencies maps each file to the tree files it imports.
func (t Tree) Dependencies() map[string][]string {
	deps := make(map[string][]string, len(t.files))
	for _, p := range t.Paths() {
		set := map[string]bool{}
		for _, imp := range Imports(p, t.files[p].Content) {
			if target, ok := t.Resolve(imp); ok && target != p && t.Has(target) {
				set[target] = true
			}
		}
		list := make([]string, 0, len(set))
		for d := range set {
			list = append(list, d)
		}
		sort.Strings(list)
		deps[p] = list
	}
	return deps
}

// WriteOrder returns every path with dependencies before their importers.
// Ties break lexically; a cycle is broken at its lexically first member.
func (t Tree) WriteOrder() []string {
	deps := t.Dependencies()
	remaining := t.Paths()
	done := make(map[string]bool, len(remaining))
	order := make([]string, 0, len(remaining))

	for len(remaining) > 0 {
		var ready, blocked []string
		for _, p := range remaining {
			ok := true
			for _, d := range deps[p] {
				if !done[d] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, p)
			} else {
				blocked = append(blocked, p)
			}
		}
		if len(ready) == 0 {
			ready, blocked = blocked[:1], blocked[1:]
		}
		for _, p := range ready {
			done[p] = true
		}
		order = append(order, ready...)
		remaining = blocked
	}
	return order
}
