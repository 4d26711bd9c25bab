package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "3fa2c1d0", shortID("3fa2c1d0-8a4b-4f0e-9c51-6f2b0e7d1a22"))
	assert.Equal(t, "p1", shortID("p1"))
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.Local)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "-", formatTime(time.Time{}))
	})

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestRFC3339(t *testing.T) {
	t.Parallel()

	assert.Empty(t, rfc3339(time.Time{}))
	assert.Equal(t, "2026-03-02T08:00:00Z", rfc3339(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)))
}

func TestPrintTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printTable(&buf, []string{"ID", "ENTITY"}, [][]string{
		{"3fa2c1d0", "patient/p1"},
		{"9b", "vital_sign/v7"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID        ENTITY", lines[0])
	assert.Equal(t, "3fa2c1d0  patient/p1", lines[1])
	assert.Equal(t, "9b        vital_sign/v7", lines[2])
}

func TestPrintJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"pending": 2}))
	assert.Equal(t, "{\n  \"pending\": 2\n}\n", buf.String())
}
