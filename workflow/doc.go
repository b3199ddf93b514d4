// Package workflow implements the dependency-ordered task graph executor.
//
// A TaskGraph is a DAG of named tasks; cycles are rejected at validation.
// Tasks become ready the instant all of their dependencies are done and are
// dispatched concurrently under a semaphore bound. A failed task marks its
// transitive dependents failed without executing them; unrelated branches
// continue. Dependency order is the only ordering guarantee — siblings may
// complete in any relative order and the aggregate is independent of it.
package workflow
