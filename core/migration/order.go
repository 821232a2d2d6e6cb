package migration

import "sort"

// Sort orders steps so every step follows the in-set steps it depends on.
// Independent steps keep identifier order. Dependencies outside the set are
// left for the ledger check at apply time. A cycle is an *OrderingError.
func Sort(steps []Step) ([]Step, error) {
	byID := make(map[StepID]Step, len(steps))
	ids := make([]StepID, 0, len(steps))
	for _, s := range steps {
		byID[s.ID()] = s
		ids = append(ids, s.ID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[StepID]int, len(steps))
	ordered := make([]Step, 0, len(steps))
	var stack []StepID

	var visit func(id StepID) error
	visit = func(id StepID) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			cycle := []StepID{id}
			for i := len(stack) - 1; i >= 0; i-- {
				cycle = append([]StepID{stack[i]}, cycle...)
				if stack[i] == id {
					break
				}
			}
			return &OrderingError{Step: id, Cycle: cycle}
		}

		state[id] = visiting
		stack = append(stack, id)

		deps := byID[id].Dependencies()
		sort.Slice(deps, func(i, j int) bool { return deps[i].less(deps[j]) })
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		ordered = append(ordered, byID[id])
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
