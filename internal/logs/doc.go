// Package logs reads the log files written by the factory and its storlet
// daemons, either as a snapshot of the last lines or as a live follow.
package logs
