package diag

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		err := &Error{
			Stage:   StageRewrite,
			Unit:    "hello",
			Command: "opt -S in.ll",
			Stderr:  "bad ir",
			Hint:    "inspect the IR",
			LogPath: "/tmp/CI-x.log",
			Err:     errors.New("exit status 1"),
		}
		msg := err.Error()
		for _, want := range []string{
			`stage "opt" failed for hello`,
			"opt -S in.ll",
			"exit status 1",
			"--- stderr ---\nbad ir",
			"--- log ---\n/tmp/CI-x.log",
			"--- hint ---\ninspect the IR",
		} {
			assert.Contains(t, msg, want)
		}
	})

	t.Run("minimal", func(t *testing.T) {
		err := &Error{Stage: StageParse, Err: errors.New("boom")}
		assert.Equal(t, `stage "build-log" failed: boom`, err.Error())
	})
}

func TestIsStageAndUnit(t *testing.T) {
	base := &Error{Stage: StageCompile, Unit: "app", Err: errors.New("x")}
	wrapped := fmt.Errorf("integration: %w", base)

	assert.True(t, IsStage(wrapped, StageCompile))
	assert.False(t, IsStage(wrapped, StageLink))
	assert.False(t, IsStage(errors.New("plain"), StageCompile))
	assert.Equal(t, "app", UnitOf(wrapped))
	assert.Equal(t, "", UnitOf(errors.New("plain")))
}

func TestNew(t *testing.T) {
	cause := errors.New("exit status 2")
	err := New(StageBuild, cause, "cargo build", "error[E0425]", "fix the build")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StageBuild, err.Stage)
	assert.Equal(t, "fix the build", err.Hint)
}

func TestTruncate(t *testing.T) {
	t.Run("short output untouched", func(t *testing.T) {
		in := "a\nb\nc"
		assert.Equal(t, in, Truncate(in))
	})

	t.Run("exactly twelve lines untouched", func(t *testing.T) {
		lines := make([]string, 12)
		for i := range lines {
			lines[i] = fmt.Sprintf("line%d", i)
		}
		in := strings.Join(lines, "\n")
		assert.Equal(t, in, Truncate(in))
	})

	t.Run("keeps head and tail", func(t *testing.T) {
		lines := make([]string, 30)
		for i := range lines {
			lines[i] = fmt.Sprintf("line%d", i)
		}
		out := strings.Split(Truncate(strings.Join(lines, "\n")), "\n")
		require.Len(t, out, 13)
		assert.Equal(t, []string{"line0", "line1", "...(truncated)"}, out[:3])
		assert.Equal(t, "line20", out[3])
		assert.Equal(t, "line29", out[12])
	})
}

func TestWriteLog(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dir := "/cfg/logs"
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	path, err := WriteLog(fsys, dir, "full diagnostic", now)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "CI-240309T140507-"))
	assert.True(t, strings.HasSuffix(path, ".log"))

	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, "full diagnostic", string(data))

	again, err := WriteLog(fsys, dir, "full diagnostic", now)
	require.NoError(t, err)
	assert.Equal(t, path, again, "same text and time must map to the same file")

	other, err := WriteLog(fsys, dir, "different", now)
	require.NoError(t, err)
	assert.NotEqual(t, path, other)
}
