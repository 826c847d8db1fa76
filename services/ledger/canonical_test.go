package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": "x"}}, `{"a":2,"b":1,"c":{"y":"x","z":true}}`},
		{"nulls stripped", map[string]any{"a": nil, "b": []string(nil), "c": "kept"}, `{"c":"kept"}`},
		{"nfc strings", map[string]any{"name": "Cafe\u0301"}, "{\"name\":\"Caf\u00e9\"}"},
		{"integers", map[string]any{"n": int64(-5), "u": uint8(7)}, `{"n":-5,"u":7}`},
		{"json number integer", map[string]any{"n": json.Number("42")}, `{"n":42}`},
		{"slices keep order", []any{"b", "a", 3}, `["b","a",3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalize_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  error
	}{
		{"float", map[string]any{"cost": 0.01}, ErrFloatNotAllowed},
		{"float json number", map[string]any{"cost": json.Number("1.5")}, ErrFloatNotAllowed},
		{"int map keys", map[int]string{1: "a"}, ErrNonStringMapKey},
		{"func", map[string]any{"f": func() {}}, ErrUnsupportedType},
		{"nfc collision", map[string]any{"Caf\u00e9": 1, "Cafe\u0301": 2}, ErrKeyCollision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCanonicalize_Stable(t *testing.T) {
	a, err := Canonicalize(map[string]any{"x": 1, "y": map[string]any{"b": "2", "a": "1"}})
	require.NoError(t, err)
	b, err := Canonicalize(map[string]any{"y": map[string]any{"a": "1", "b": "2"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, ContentHash(a), ContentHash(b))
}
