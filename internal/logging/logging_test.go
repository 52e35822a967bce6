package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zerolog.ErrorLevel, Level(0))
	assert.Equal(t, zerolog.InfoLevel, Level(1))
	assert.Equal(t, zerolog.DebugLevel, Level(2))
	assert.Equal(t, zerolog.DebugLevel, Level(5))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"trace": zerolog.TraceLevel,
		"none":  zerolog.Disabled,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Run("verbosity gates debug", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := New(&buf, 1, "")
		require.NoError(t, err)
		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("explicit level wins", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := New(&buf, 0, "debug")
		require.NoError(t, err)
		log.Debug().Str("unit", "hello").Msg("probe")
		assert.Contains(t, buf.String(), "probe")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("bad level", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, 0, "chatty")
		assert.Error(t, err)
	})
}
