// Package daemon runs one storlet daemon: a single-threaded command loop on a
// bus channel that forks a bounded pool of task executor processes.
//
// Every command is handled to completion before the next one is received.
// EXECUTE applies back-pressure when the pool is full by reaping finished
// executors before spawning another, so the task registry never holds more
// than PoolSize live tasks. The registry is owned by the loop and every change
// to it sits next to the wait or kill call it records.
//
// The executor side lives in executor.go: the daemon re-executes its own
// binary with the task's descriptors mapped to fixed slots, and RunTask
// performs the invocation inside that child.
package daemon
