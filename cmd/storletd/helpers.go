package main

import (
	"fmt"
	"strings"
)

// parseKeyValues turns repeated key=value flags into a map. Later keys win.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

// parseHaltSummary splits a factory halt reply ("a: terminated; b: failed")
// into table rows.
func parseHaltSummary(message string) [][]string {
	var rows [][]string
	for _, entry := range strings.Split(message, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, state, ok := strings.Cut(entry, ":")
		if !ok {
			rows = append(rows, []string{entry, ""})
			continue
		}
		rows = append(rows, []string{strings.TrimSpace(name), strings.TrimSpace(state)})
	}
	return rows
}
