package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// BuildPlan diffs the desired descriptor set against stored state and
// produces the ordered change set for one environment.
//
// It is a pure function: no I/O, no clock, no randomness. Identical inputs
// produce byte-identical plans; the plan ID is a content hash. Cycle
// detection fails fast before any mutation can happen downstream.
//
// Ordering: delete steps come first, dependents before dependencies
// (reverse topological order of the stored graph). Create, update, and
// noop steps follow in forward topological order of the desired graph,
// dependencies before dependents. Ties are broken by ascending resource ID
// so the order is reproducible.
func BuildPlan(env string, desired []ResourceDescriptor, stored map[string]StoredState) (*Plan, error) {
	if env == "" {
		return nil, NewValidationError("environment name is empty")
	}

	g, err := buildGraph(desired)
	if err != nil {
		return nil, err
	}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	order, levels, err := g.topoOrder()
	if err != nil {
		return nil, err
	}

	deleteSteps, deleteLevels, err := planDeletes(desired, stored)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(deleteSteps)+len(order))
	steps = append(steps, deleteSteps...)

	for _, id := range order {
		d := g.nodes[id]
		step := Step{
			Descriptor: d,
			Level:      deleteLevels + levels[id],
		}

		prev, exists := stored[id]
		step.ExpectedVersion = prev.Version
		switch {
		case !exists || prev.Status == ResourceStatusDestroyed:
			step.Op = OperationCreate
		case !bytes.Equal(canonical(d.Snapshot()), canonical(prev.Snapshot)):
			step.Op = OperationUpdate
		case prev.Status != ResourceStatusApplied:
			// A failed or interrupted resource is re-applied even when the
			// snapshot is unchanged.
			if prev.ExternalID == "" {
				step.Op = OperationCreate
			} else {
				step.Op = OperationUpdate
			}
		default:
			step.Op = OperationNoop
		}

		steps = append(steps, step)
	}

	plan := &Plan{
		Environment: env,
		Steps:       steps,
	}
	plan.ID = planDigest(env, steps)
	return plan, nil
}

// BuildDestroyPlan produces the plan that tears down every tracked
// resource of an environment. Equivalent to planning an empty desired set.
func BuildDestroyPlan(env string, stored map[string]StoredState) (*Plan, error) {
	return BuildPlan(env, nil, stored)
}

// planDeletes orders the stored-but-not-desired resources in reverse
// topological order of the stored graph, so dependents are torn down
// before their dependencies. Returns the steps and the number of delete
// levels consumed.
func planDeletes(desired []ResourceDescriptor, stored map[string]StoredState) ([]Step, int, error) {
	desiredIDs := make(map[string]bool, len(desired))
	for _, d := range desired {
		desiredIDs[d.ID] = true
	}

	toDelete := make(map[string]bool)
	for id, st := range stored {
		if !desiredIDs[id] && st.Status != ResourceStatusDestroyed {
			toDelete[id] = true
		}
	}
	if len(toDelete) == 0 {
		return nil, 0, nil
	}

	// The stored graph may reference resources that stay; restrict edges
	// to the stored set so ordering among the doomed resources holds.
	descriptors := make([]ResourceDescriptor, 0, len(stored))
	for _, st := range stored {
		d := st.Descriptor()
		var kept []string
		for _, dep := range d.DependsOn {
			if _, ok := stored[dep]; ok {
				kept = append(kept, dep)
			}
		}
		d.DependsOn = kept
		descriptors = append(descriptors, d)
	}

	g, err := buildGraph(descriptors)
	if err != nil {
		return nil, 0, err
	}
	if err := g.detectCycle(); err != nil {
		return nil, 0, err
	}
	order, levels, err := g.topoOrder()
	if err != nil {
		return nil, 0, err
	}

	maxLevel := 0
	for _, l := range levels {
		if l > maxLevel {
			maxLevel = l
		}
	}

	steps := make([]Step, 0, len(toDelete))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !toDelete[id] {
			continue
		}
		level := maxLevel - levels[id]
		steps = append(steps, Step{
			Descriptor:      g.nodes[id],
			Op:              OperationDelete,
			Level:           level,
			ExpectedVersion: stored[id].Version,
		})
	}

	return steps, maxLevel + 1, nil
}

// canonical re-encodes a JSON document so logically equal snapshots
// compare equal byte-wise.
func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// planDigest hashes the environment name and every step into the plan ID.
func planDigest(env string, steps []Step) string {
	h := sha256.New()
	h.Write([]byte(env))
	for _, s := range steps {
		h.Write([]byte{0})
		h.Write([]byte(s.Descriptor.ID))
		h.Write([]byte(s.Op))
		h.Write(canonical(s.Descriptor.Snapshot()))
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(s.ExpectedVersion >> (8 * i))
		}
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
