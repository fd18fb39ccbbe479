package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// STRING TESTS
// =============================================================================

func TestSafeString(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   string
		wantOK bool
	}{
		{"string value", "hello", "hello", true},
		{"empty string", "", "", true},
		{"nil", nil, "", false},
		{"int", 42, "", false},
		{"bool", true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeString(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeStringDefault(t *testing.T) {
	assert.Equal(t, "value", SafeStringDefault("value", "fallback"))
	assert.Equal(t, "fallback", SafeStringDefault(42, "fallback"))
	assert.Equal(t, "fallback", SafeStringDefault(nil, "fallback"))
}

// =============================================================================
// BOOL TESTS
// =============================================================================

func TestSafeBool(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   bool
		wantOK bool
	}{
		{"true", true, true, true},
		{"false", false, false, true},
		{"nil", nil, false, false},
		{"string", "true", false, false},
		{"int", 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeBool(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeBoolDefault(t *testing.T) {
	assert.True(t, SafeBoolDefault(true, false))
	assert.True(t, SafeBoolDefault("not a bool", true))
	assert.False(t, SafeBoolDefault(nil, false))
}

// =============================================================================
// UINT32 TESTS
// =============================================================================

func TestSafeUint32(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   uint32
		wantOK bool
	}{
		{"uint32", uint32(7), 7, true},
		{"int", 4096, 4096, true},
		{"int64", int64(65535), 65535, true},
		{"uint", uint(1), 1, true},
		{"uint64", uint64(2048), 2048, true},
		{"max uint32", int64(1<<32 - 1), 1<<32 - 1, true},
		{"negative int", -1, 0, false},
		{"overflow int64", int64(1 << 32), 0, false},
		{"string", "4096", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeUint32(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeUint32Default(t *testing.T) {
	assert.Equal(t, uint32(9), SafeUint32Default(9, 1))
	assert.Equal(t, uint32(1), SafeUint32Default("nope", 1))
	assert.Equal(t, uint32(1), SafeUint32Default(-5, 1))
}

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParseUint32(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   uint32
		wantOK bool
	}{
		{"plain", "5000", 5000, true},
		{"zero", "0", 0, true},
		{"max", "4294967295", 1<<32 - 1, true},
		{"overflow", "4294967296", 0, false},
		{"negative", "-1", 0, false},
		{"not a number", "verbs0", 0, false},
		{"empty", "", 0, false},
		{"trailing junk", "5000x", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseUint32(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
