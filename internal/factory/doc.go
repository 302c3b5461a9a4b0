// Package factory supervises storlet daemons for one scope.
//
// The factory listens on its own bus channel and starts, probes and stops
// daemon processes on request. A daemon is recorded only after it answered a
// ping on its channel, and removed only after its exit has been collected.
package factory
