package llvm

import (
	"fmt"
	"regexp"
	"strings"
)

// validLibraryArg matches safe opt option tokens like "-clock-type=2" or
// "-config=/path/to/cfg".
var validLibraryArg = regexp.MustCompile(`^-{1,2}[a-zA-Z][a-zA-Z0-9_.-]*(=[a-zA-Z0-9_.,:/+-]*)?$`)

// ValidateLibraryArg checks that an argument forwarded to the instrumentation
// plugin is safe for use on the opt command line.
func ValidateLibraryArg(arg string) error {
	cleaned := strings.TrimSpace(arg)
	if cleaned == "" {
		return fmt.Errorf("empty library argument")
	}
	if strings.ContainsAny(cleaned, "\\$`|;&(){}[]!~<> \t\n") {
		return fmt.Errorf("library argument %q contains prohibited characters", cleaned)
	}
	if !validLibraryArg.MatchString(cleaned) {
		return fmt.Errorf("library argument %q does not match allowed pattern %s", cleaned, validLibraryArg.String())
	}
	return nil
}

// BuildOptArgs constructs the argument list for running the instrumentation
// pass plugin over inputPath. The unit that owns a binary target defines the
// logical clock; its dependencies only reference it.
func BuildOptArgs(plugin string, defineClock bool, libraryArgs []string, inputPath, outputPath string) []string {
	defClock := "-defclock=0"
	if defineClock {
		defClock = "-defclock=1"
	}
	args := make([]string, 0, 8+len(libraryArgs))
	args = append(args, "-S", "-load", plugin, "-logicalclock", defClock)
	args = append(args, libraryArgs...)
	return append(args, inputPath, "-o", outputPath)
}

// BuildLLCArgs constructs the argument list for compiling rewritten IR to an
// object file. On Linux the large code model avoids relocation overflows in
// the instrumented objects.
func BuildLLCArgs(inputPath, outputPath, goos string) []string {
	args := []string{"-filetype=obj"}
	if goos == "linux" {
		args = append(args, "-code-model=large")
	}
	return append(args, inputPath, "-o", outputPath)
}
