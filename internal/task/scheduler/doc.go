// Package scheduler runs stored tasks on a bounded executor.
//
// The driver loop ("boss") is itself a unit of work on the executor: each cycle
// claims due tasks up to the free capacity minus one slot, submits a worker for
// each, and resubmits itself. Workers run the task's handler and write the
// outcome back to the store with compare-and-swap.
package scheduler
