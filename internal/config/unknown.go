package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownGlobalKeys are the valid flat top-level keys in the config file.
// These correspond to fields in the embedded sub-config structs.
var knownGlobalKeys = map[string]bool{
	// Server settings
	"server_url": true, "facility_id": true, "device_name": true, "device_type": true,
	"token": true, "client_id": true, "client_secret": true, "token_url": true, "scopes": true,
	// Sync settings
	"batch_size": true, "max_retries": true, "backoff_base": true, "backoff_max": true,
	"backoff_jitter": true, "poll_interval": true, "pull_page_size": true, "max_pull_pages": true,
	"synced_retention": true, "websocket_notify": true, "watch_local": true,
	"entity_types": true, "ignore_fields": true,
	// Logging settings
	"log_level": true, "log_file": true, "log_format": true,
	// Network settings
	"connect_timeout": true, "request_timeout": true, "user_agent": true,
	// Daemon settings
	"state_dir": true, "metrics_addr": true,
	// Tables
	"policy": true,
}

// knownPolicyKeys are the valid keys inside a [policy.<entity_type>] table.
var knownPolicyKeys = map[string]bool{
	"strategy": true, "fields": true, "timestamp_field": true,
}

var (
	knownGlobalKeysList = sortedKeys(knownGlobalKeys)
	knownPolicyKeysList = sortedKeys(knownPolicyKeys)
)

// sortedKeys is used for Levenshtein matching. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if len(key) >= 3 && key[0] == "policy" {
			errs = append(errs, policyKeyError(key[1], key[2]))
			continue
		}

		// An unknown table reports once, not once per key inside it.
		if seen[key[0]] {
			continue
		}

		seen[key[0]] = true

		errs = append(errs, globalKeyError(key[0]))
	}

	return errors.Join(errs...)
}

// globalKeyError creates a descriptive error for an unknown top-level key,
// optionally suggesting the closest known key.
func globalKeyError(fieldName string) error {
	if suggestion := closestMatch(fieldName, knownGlobalKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

func policyKeyError(entityType, key string) error {
	if suggestion := closestMatch(key, knownPolicyKeysList); suggestion != "" {
		return fmt.Errorf("unknown key %q in [policy.%s], did you mean %q?", key, entityType, suggestion)
	}

	return fmt.Errorf("unknown key %q in [policy.%s]", key, entityType)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
