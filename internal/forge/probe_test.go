package forge

import (
	"context"
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := map[string]string{
		"emcc (Emscripten gcc/clang-like replacement + linker emulating GNU ld) 3.1.45 (2f4a5a1)\nclang version 17": "3.1.45",
		"cc (GCC) 13.2.1 20230801": "13.2.1",
		"some banner\nversion 2.0": "2.0",
		"no digits here":           "unknown",
	}
	for banner, want := range tests {
		if got := parseVersion(banner); got != want {
			t.Errorf("parseVersion(%q) = %q, want %q", banner, got, want)
		}
	}
}

func TestToolchainProbe(t *testing.T) {
	home := t.TempDir()
	p := ToolchainProbe{
		Name:      "cross toolchain",
		Env:       "EMSDK",
		Command:   []string{"emcc", "--version"},
		LookupEnv: func(string) (string, bool) { return home, true },
		Output: func(ctx context.Context, dir, name string, args ...string) (string, error) {
			if name != "emcc" {
				t.Fatalf("unexpected command %s", name)
			}
			return "emcc 3.1.45", nil
		},
	}
	res, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Present || res.Version != "3.1.45" || res.Home != home {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestToolchainProbeMissing(t *testing.T) {
	unset := ToolchainProbe{
		Name:      "cross toolchain",
		Env:       "EMSDK",
		LookupEnv: func(string) (string, bool) { return "", false },
	}
	if _, err := unset.Probe(context.Background()); !errors.Is(err, ErrToolchainMissing) {
		t.Fatalf("expected ErrToolchainMissing, got %v", err)
	}

	absent := ToolchainProbe{
		Name:    "host toolchain",
		Command: []string{"cc", "--version"},
		Output: func(context.Context, string, string, ...string) (string, error) {
			return "", errors.New("executable file not found in $PATH")
		},
	}
	_, err := absent.Probe(context.Background())
	if !errors.Is(err, ErrToolchainMissing) {
		t.Fatalf("expected ErrToolchainMissing, got %v", err)
	}
	if ExitCode(err) != ExitSetup {
		t.Fatalf("exit code %d, want %d", ExitCode(err), ExitSetup)
	}
}
