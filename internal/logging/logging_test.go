package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("production", "debug", &buf)
	require.NoError(t, err)

	logger.Info().Str("tenant", "acme").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "acme", line["tenant"])
	assert.Equal(t, "billbridge", line["service"])
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("production", "warn", &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"DEBUG": zerolog.DebugLevel,
		"Error": zerolog.ErrorLevel,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got, "level %q", input)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestOrNopReplacesZeroLogger(t *testing.T) {
	got := OrNop(zerolog.Logger{})
	assert.Equal(t, zerolog.Disabled, got.GetLevel())

	var buf bytes.Buffer
	base := zerolog.New(&buf)
	got = OrNop(base)
	got.Info().Msg("x")
	assert.NotZero(t, buf.Len())
}
