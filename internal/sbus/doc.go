// Package sbus implements the storlet bus: a datagram protocol over unix
// sockets that carries a command envelope together with a set of open file
// descriptors.
//
// A Datagram is pure data. It pairs every descriptor with a role and two
// free-form metadata maps, and validates that the leading roles match what
// its kind requires. Bus and Send move datagrams between processes using
// SCM_RIGHTS, and Call wraps the common service exchange: send a command with
// a reply pipe and read back a single "True: msg" or "False: msg" line.
package sbus
