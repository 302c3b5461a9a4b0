// Package catalog persists storlet and dependency registrations in SQLite.
//
// Registrations are validated with the gateway rules before they are stored,
// and a storlet may only name dependencies that are already registered. The
// Store doubles as the gateway's Directory so invocations can be resolved
// from a storlet name alone.
package catalog
