package quantity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	cases := map[string]int64{
		"512Mi": 536_870_912,
		"2Gi":   2 * 1024 * 1024 * 1024,
		"1000":  1000,
		"1k":    1_000,
		"1Ki":   1024,
		"1b":    1,
	}
	for in, want := range cases {
		got := ParseMemory(in)
		require.NotNil(t, got, in)
		assert.Equal(t, want, *got, in)
	}
}

func TestParseMemoryUnknownUnitLeavesUnset(t *testing.T) {
	assert.Nil(t, ParseMemory("512Xi"))
	assert.Nil(t, ParseMemory(""))
	assert.Nil(t, ParseMemory("not-a-number"))
}

func TestParseCPU(t *testing.T) {
	got := ParseCPU("500m")
	require.NotNil(t, got)
	assert.Equal(t, int64(500_000_000), *got)

	got = ParseCPU("2")
	require.NotNil(t, got)
	assert.Equal(t, int64(2_000_000_000), *got)
}

func TestParseCPUInvalid(t *testing.T) {
	assert.Nil(t, ParseCPU("0"))
	assert.Nil(t, ParseCPU("-1"))
	assert.Nil(t, ParseCPU("banana"))
	assert.Nil(t, ParseCPU(""))
}

func TestParseTimestampZeroAndEmptyMapToNow(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := ParseTimestamp("0001-01-01T00:00:00Z")
	assert.True(t, got.After(before))

	got2 := ParseTimestamp("")
	assert.True(t, got2.After(before))
}

func TestParseTimestampAcceptsNanoPrecision(t *testing.T) {
	got := ParseTimestamp("2026-01-02T03:04:05.123456789Z")
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.Duration(123456)*time.Microsecond, time.Duration(got.Nanosecond()))
}

func TestParseTimestampInvalidFallsBackToNow(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := ParseTimestamp("not-a-timestamp")
	assert.True(t, got.After(before))
}
