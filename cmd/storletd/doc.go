// Command storletd runs the storlet engine processes and offers operator
// tooling around them.
//
// The same binary serves as the daemon factory, as a storlet daemon spawned by
// the factory, and as the executor a daemon forks for every task. The
// remaining subcommands talk to those processes over the bus or manage the
// registration catalog.
package main
