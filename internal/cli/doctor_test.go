package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kyleseneker/cibuild/internal/doctor"
)

func TestRunDoctor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "success", wantCode: 0},
		{name: "toolchain failure", err: errors.New("rustc not found"), wantCode: 1, wantErr: "rustc not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got doctor.Config
			orig := runDoctor
			t.Cleanup(func() { runDoctor = orig })
			runDoctor = func(_ context.Context, cfg doctor.Config) error {
				got = cfg
				return tt.err
			}

			args := append(configArg(t), "doctor", "--opt", "/opt/llvm/bin/opt", "--rustc", "/usr/bin/rustc")
			var out, errOut bytes.Buffer
			code := Run(context.Background(), args, &out, &errOut)
			if code != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d, stderr=%s", tt.wantCode, code, errOut.String())
			}
			if tt.wantErr != "" && !strings.Contains(errOut.String(), tt.wantErr) {
				t.Fatalf("expected %q in stderr, got: %s", tt.wantErr, errOut.String())
			}
			if got.Tools.Opt != "/opt/llvm/bin/opt" || got.Rustc != "/usr/bin/rustc" {
				t.Fatalf("flags not forwarded: %+v", got)
			}
			if !strings.HasSuffix(got.ConfigPath, "config.toml") || got.Record.RuntimeMarker == "" {
				t.Fatalf("config not forwarded: %q %+v", got.ConfigPath, got.Record)
			}
		})
	}
}

func TestRunDoctorMissingRustc(t *testing.T) {
	args := append(configArg(t), "doctor", "--rustc", "/does/not/exist/rustc")
	var out, errOut bytes.Buffer
	code := Run(context.Background(), args, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "[FAIL] toolchain") {
		t.Fatalf("expected toolchain failure line, got: %s", errOut.String())
	}
}
