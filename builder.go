package dagflow

// Builder accumulates named tasks with declared dependencies and
// linearizes them into a Plan. A zero-value Builder is not usable; use
// NewBuilder.
type Builder struct {
	order   []string            // insertion order, for deterministic root tiebreak
	bodies  map[string]func()   // name -> body
	forward map[string][]string // name -> dependency names (as declared)
	reverse map[string][]string // name -> names that depend on it
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		bodies:  make(map[string]func()),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// Add registers a task named name with the given predecessor names and
// body. deps may reference names not yet added (forward references are
// permitted); they are resolved at Build. A name depending on itself is
// recorded as-is and surfaces as ErrCycle at Build, not here.
//
// Add fails with *ErrDuplicateName if name was already added to this
// Builder.
func (b *Builder) Add(name string, deps []string, body func()) (*Builder, error) {
	if _, exists := b.bodies[name]; exists {
		return b, &ErrDuplicateName{Name: name}
	}

	// collapse duplicate dependency names, preserve first-seen order
	seen := make(map[string]bool, len(deps))
	uniqueDeps := make([]string, 0, len(deps))
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		uniqueDeps = append(uniqueDeps, d)
	}

	b.order = append(b.order, name)
	b.bodies[name] = body
	b.forward[name] = uniqueDeps
	for _, d := range uniqueDeps {
		b.reverse[d] = append(b.reverse[d], name)
	}

	return b, nil
}

// Build validates the declared graph and linearizes it into a Plan.
//
// Build fails with *ErrUnknownDependency if any task's dependency names
// a task that was never Add-ed, and with *ErrCycle if the graph contains
// a directed cycle (including a self-loop). The Builder's state after a
// failed Build is unspecified; callers should discard it.
func (b *Builder) Build() (Plan, error) {
	// validate every name appearing in reverse (i.e. depended-upon)
	// exists as an added task.
	for dep, dependents := range b.reverse {
		if _, ok := b.bodies[dep]; !ok {
			return Plan{}, &ErrUnknownDependency{Name: dep, Dependent: dependents[0]}
		}
	}

	total := len(b.order)

	// working copy of forward adjacency, as remaining-predecessor sets
	remaining := make(map[string]map[string]bool, total)
	for _, name := range b.order {
		deps := b.forward[name]
		set := make(map[string]bool, len(deps))
		for _, d := range deps {
			set[d] = true
		}
		remaining[name] = set
	}

	finalIndex := make(map[string]int, total)
	entries := make([]Entry, 0, total)

	// seed roots with every task whose predecessor set is empty,
	// insertion order as the tiebreak among equally-ranked tasks.
	roots := make([]string, 0, total)
	for _, name := range b.order {
		if len(remaining[name]) == 0 {
			roots = append(roots, name)
		}
	}

	processed := 0
	for processed < total {
		if processed >= len(roots) {
			pending := make([]string, 0, total-processed)
			for _, name := range b.order {
				if _, done := finalIndex[name]; !done {
					pending = append(pending, name)
				}
			}
			return Plan{}, &ErrCycle{Remaining: pending}
		}

		name := roots[processed]
		processed++

		deps := b.forward[name]
		predIndices := make([]int, len(deps))
		for i, d := range deps {
			predIndices[i] = finalIndex[d]
		}

		finalIndex[name] = len(entries)
		entries = append(entries, Entry{Body: b.bodies[name], Preds: predIndices})

		for _, m := range b.reverse[name] {
			delete(remaining[m], name)
			if len(remaining[m]) == 0 {
				roots = append(roots, m)
			}
		}
	}

	return Plan{Entries: entries}, nil
}
