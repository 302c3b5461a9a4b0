// Package gateway drives storlet invocations from the storage side.
//
// Invoke makes sure the storlet's daemon is running through the factory,
// hands the daemon an execute datagram carrying the input object and reply
// pipes, and exposes the output as a stream of chunks. The package also
// validates storlet and dependency registrations before they reach the
// catalog.
package gateway
