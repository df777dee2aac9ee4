// Package engine implements the core orchestration of ephemeral
// environments: planning a deterministic change set from desired resource
// descriptors and stored state, executing it level by level against
// provider collaborators, and reporting per-resource outcomes.
//
// The flow is Plan -> Lock -> Apply -> Report. Planning is pure and
// lock-free; mutation is serialized per environment by a LockManager
// lease, and every state-store write carries an expected version so two
// runs can never silently clobber each other even if both believe they
// hold the lock.
package engine
