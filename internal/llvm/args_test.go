package llvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateLibraryArg(t *testing.T) {
	valid := []string{"-clock-type=2", "--commit-intv=100", "-config=/opt/ci/cfg.txt", "-mem-ops-cost=1.5"}
	for _, arg := range valid {
		t.Run("valid/"+arg, func(t *testing.T) {
			assert.NoError(t, ValidateLibraryArg(arg))
		})
	}

	invalid := []string{"", "  ", "clock", "-a;rm", "-x=$(id)", "-x=`id`", "-a b", "-x=<y>"}
	for _, arg := range invalid {
		t.Run("invalid/"+arg, func(t *testing.T) {
			assert.Error(t, ValidateLibraryArg(arg))
		})
	}
}

func TestBuildOptArgs(t *testing.T) {
	t.Run("binary unit defines the clock", func(t *testing.T) {
		got := BuildOptArgs("/lib/libCI.so", true, []string{"-clock-type=1"}, "a.ll", "a-ci.ll")
		assert.Equal(t, []string{
			"-S", "-load", "/lib/libCI.so", "-logicalclock", "-defclock=1",
			"-clock-type=1", "a.ll", "-o", "a-ci.ll",
		}, got)
	})

	t.Run("dependency unit", func(t *testing.T) {
		got := BuildOptArgs("/lib/libCI.so", false, nil, "a.ll", "a-ci.ll")
		assert.Contains(t, got, "-defclock=0")
		assert.NotContains(t, got, "-defclock=1")
	})
}

func TestBuildLLCArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-filetype=obj", "-code-model=large", "x-ci.ll", "-o", "x-ci.o"},
		BuildLLCArgs("x-ci.ll", "x-ci.o", "linux"))
	assert.Equal(t,
		[]string{"-filetype=obj", "x-ci.ll", "-o", "x-ci.o"},
		BuildLLCArgs("x-ci.ll", "x-ci.o", "darwin"))
}
