package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKeySuggestsClosest(t *testing.T) {
	path := writeTestConfig(t, `batch_sise = 10`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "batch_sise", did you mean "batch_size"?`)
}

func TestLoad_UnknownKeyWithoutSuggestion(t *testing.T) {
	path := writeTestConfig(t, `completely_unrelated_setting = true`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "completely_unrelated_setting"`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownPolicyKey(t *testing.T) {
	path := writeTestConfig(t, `
[policy.patient]
stratgy = "manual"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "stratgy" in [policy.patient], did you mean "strategy"?`)
}

func TestLoad_UnknownTableReportedOnce(t *testing.T) {
	path := writeTestConfig(t, `
[transfers]
parallel = 4
chunk = "10MiB"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, 1, countOccurrences(err.Error(), `unknown config key "transfers"`))
}

func countOccurrences(s, sub string) int {
	n := 0

	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}

	return n
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"batch_sise", "batch_size", 1},
		{"log_levl", "log_level", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch(t *testing.T) {
	assert.Equal(t, "poll_interval", closestMatch("pol_interval", knownGlobalKeysList))
	assert.Equal(t, "timestamp_field", closestMatch("timestampfield", knownPolicyKeysList))
	assert.Empty(t, closestMatch("xyzzy_plugh_frobnicate", knownGlobalKeysList))
}
