// Package config loads, normalizes, and validates storlets configuration data.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and derives channel addresses for the factory and its daemons
// so every process agrees on where a given scope and storlet listen.
package config
