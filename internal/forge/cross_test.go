package forge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
)

func newCrossFixture(t *testing.T) (Manifest, *fakeBuild, Workspace, *BuildLog) {
	t.Helper()
	return newCrossFixtureWith(t, testGenerators())
}

func newCrossFixtureWith(t *testing.T, gens []GeneratorArtifact) (Manifest, *fakeBuild, Workspace, *BuildLog) {
	t.Helper()
	m := testManifest(t)
	m.Generators = gens
	fb := newFakeBuild(m.Generators, m.Finalize.Archives)
	ws := Workspace{Build: t.TempDir(), Cache: t.TempDir()}
	seedCache(t, ws.Cache, "rev1", m.Generators)
	log, err := newBuildLog(t.TempDir())
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	return m, fb, ws, log
}

func generatorsNamed(names ...string) []GeneratorArtifact {
	var gens []GeneratorArtifact
	for _, n := range names {
		gens = append(gens, GeneratorArtifact{Name: n, HostPath: "src/" + n, TreePath: "src/" + n})
	}
	return gens
}

func TestCrossPhaseInjectsEachGeneratorOnce(t *testing.T) {
	tests := [][]string{
		{"toolA"},
		{"toolA", "toolB"},
		{"toolA", "toolB", "toolC"},
	}
	for _, names := range tests {
		n := len(names)
		t.Run(fmt.Sprintf("%d generators", n), func(t *testing.T) {
			m, fb, ws, log := newCrossFixtureWith(t, generatorsNamed(names...))

			var transitions []string
			cp := NewCrossPhase(m, fb, log)
			cp.OnTransition = func(from, to CrossState, detail string) {
				transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
			}

			report, err := cp.Run(context.Background(), ws, "rev1")
			if err != nil {
				t.Fatalf("cross phase: %v", err)
			}
			if report.State != StateDone {
				t.Fatalf("expected DONE, got %s", report.State)
			}
			if len(report.Passes) != n+1 {
				t.Fatalf("expected %d passes, got %d", n+1, len(report.Passes))
			}
			for i, p := range report.Passes {
				wantOutcome, wantAwaiting := PassExpectedPartial, ""
				if i < n {
					wantAwaiting = names[i]
				} else {
					wantOutcome = PassComplete
				}
				if p.Outcome != wantOutcome || p.Awaiting != wantAwaiting {
					t.Errorf("pass %d: %s awaiting %q, want %s awaiting %q", p.Pass, p.Outcome, p.Awaiting, wantOutcome, wantAwaiting)
				}
			}
			if !slices.Equal(report.Injected, names) {
				t.Fatalf("unexpected injections: %v", report.Injected)
			}
			// Each generator stalls exactly once: the pass before its injection.
			for _, name := range names {
				if runs := fb.generatorRuns[name]; runs != 1 {
					t.Errorf("%s invoked %d times, want 1", name, runs)
				}
			}

			want := []string{"CONFIGURE->BUILD"}
			wantLabels := []string{"cross-configure", "cross-build-1"}
			for i := 0; i < n; i++ {
				want = append(want, "BUILD->INJECT", "INJECT->BUILD")
				wantLabels = append(wantLabels, fmt.Sprintf("cross-build-%d", i+2))
			}
			want = append(want, "BUILD->DONE")
			if !slices.Equal(transitions, want) {
				t.Fatalf("transitions %v, want %v", transitions, want)
			}
			if labels := fb.labels(); !slices.Equal(labels, wantLabels) {
				t.Fatalf("unexpected commands: %v", labels)
			}
			if missing := missingFiles(ws.Build, m.Finalize.Archives); len(missing) > 0 {
				t.Fatalf("archives missing: %v", missing)
			}
		})
	}
}

func TestCrossPhaseCommandsUseToolchainWrappers(t *testing.T) {
	m, fb, ws, log := newCrossFixture(t)
	if _, err := NewCrossPhase(m, fb, log).Run(context.Background(), ws, "rev1"); err != nil {
		t.Fatalf("cross phase: %v", err)
	}
	for _, c := range fb.calls {
		if c.Dir != ws.Build {
			t.Errorf("%s ran in %s, want %s", c.Label, c.Dir, ws.Build)
		}
		if c.LogPath == "" {
			t.Errorf("%s has no log", c.Label)
		}
	}
	if fb.calls[0].Name != "emconfigure" {
		t.Fatalf("configure not wrapped: %s", fb.calls[0])
	}
	if fb.calls[1].Name != "emmake" || !slices.Contains(fb.calls[1].Args, "-j8") {
		t.Fatalf("build not wrapped: %s", fb.calls[1])
	}
	for _, flag := range []string{"--disable-shared", "--disable-tests", "--enable-cxx", "LIBS=-lz"} {
		if !slices.Contains(fb.calls[0].Args, flag) {
			t.Errorf("configure missing %s: %s", flag, fb.calls[0])
		}
	}
}

func TestCrossPhaseUnexpectedFailureAborts(t *testing.T) {
	m, fb, ws, log := newCrossFixture(t)
	fb.breakPass = 2

	report, err := NewCrossPhase(m, fb, log).Run(context.Background(), ws, "rev1")
	if !errors.Is(err, ErrUnexpectedBuild) {
		t.Fatalf("expected ErrUnexpectedBuild, got %v", err)
	}
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("expected the process error to be kept, got %v", err)
	}
	if report.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", report.State)
	}
	if len(report.Passes) != 2 || report.Passes[1].Outcome != PassUnexpected {
		t.Fatalf("unexpected passes: %+v", report.Passes)
	}
	if slices.Contains(fb.labels(), "cross-build-3") {
		t.Fatalf("pipeline continued after an unexpected failure: %v", fb.labels())
	}
	if ExitCode(err) != ExitBuild {
		t.Fatalf("exit code %d, want %d", ExitCode(err), ExitBuild)
	}
}

func TestCrossPhaseConfigureFailureRunsNoBuild(t *testing.T) {
	m, fb, ws, log := newCrossFixture(t)
	fb.failConfigure = true

	_, err := NewCrossPhase(m, fb, log).Run(context.Background(), ws, "rev1")
	if !errors.Is(err, ErrConfigureFailed) {
		t.Fatalf("expected ErrConfigureFailed, got %v", err)
	}
	for _, l := range fb.labels() {
		if strings.HasPrefix(l, "cross-build-") {
			t.Fatalf("build pass %s ran after configure failed", l)
		}
	}
}

func TestCrossPhaseRejectsStaleCache(t *testing.T) {
	m, fb, ws, log := newCrossFixture(t)

	_, err := NewCrossPhase(m, fb, log).Run(context.Background(), ws, "rev2")
	if !errors.Is(err, ErrStaleArtifact) {
		t.Fatalf("expected ErrStaleArtifact, got %v", err)
	}
	if len(fb.calls) != 0 {
		t.Fatalf("commands ran with a stale cache: %v", fb.labels())
	}
}

func TestCrossPhaseFinalPassWithoutArchives(t *testing.T) {
	m, fb, ws, log := newCrossFixture(t)
	fb.skipArchives = true

	_, err := NewCrossPhase(m, fb, log).Run(context.Background(), ws, "rev1")
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("expected ErrMissingArtifact, got %v", err)
	}
}

func TestClassifyPass(t *testing.T) {
	dir := t.TempDir()
	g := GeneratorArtifact{Name: "H5detect"}
	procErr := &ProcessError{Err: errors.New("exit status 2")}

	stalled := dir + "/stalled.log"
	writeFakeLog(stalled, "./H5detect > H5Tinit.c\n/bin/sh: ./H5detect: cannot execute binary file: Exec format error\nmake[2]: *** [Makefile:1400: H5Tinit.c] Error 126\n")
	other := dir + "/other.log"
	writeFakeLog(other, "H5A.c:1: error: expected ';'\n")
	// make echoes the generator while compiling it; that is not a stall.
	compiled := dir + "/compiled.log"
	writeFakeLog(compiled, "  CC       H5detect.o\n  CCLD     H5detect\nH5A.c:120:1: error: expected ';'\nmake[2]: *** [H5A.lo] Error 1\n")
	ownSource := dir + "/own-source.log"
	writeFakeLog(ownSource, "H5detect.c:5:10: fatal error: 'H5private.h' file not found\nmake[2]: *** [H5detect.o] Error 1\n")
	notFound := dir + "/not-found.log"
	writeFakeLog(notFound, "/bin/sh: 1: ./H5detect: not found\nmake[2]: *** [H5Tinit.c] Error 127\n")

	tests := []struct {
		name string
		res  BuildResult
		err  error
		want PassOutcome
	}{
		{"success", BuildResult{}, nil, PassComplete},
		{"stalled at generator", BuildResult{ExitCode: 2, LogPath: stalled}, procErr, PassExpectedPartial},
		{"other compiler error", BuildResult{ExitCode: 2, LogPath: other}, procErr, PassUnexpected},
		{"compile error after building the generator", BuildResult{ExitCode: 2, LogPath: compiled}, procErr, PassUnexpected},
		{"generator source does not compile", BuildResult{ExitCode: 2, LogPath: ownSource}, procErr, PassUnexpected},
		{"generator not found", BuildResult{ExitCode: 2, LogPath: notFound}, procErr, PassExpectedPartial},
		{"timed out", BuildResult{ExitCode: 1, LogPath: stalled, TimedOut: true}, procErr, PassUnexpected},
		{"no log", BuildResult{ExitCode: 2}, procErr, PassUnexpected},
		{"not a process error", BuildResult{LogPath: stalled}, errors.New("boom"), PassUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyPass(context.Background(), tt.res, tt.err, g); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyPassCustomMarkers(t *testing.T) {
	log := t.TempDir() + "/pass.log"
	writeFakeLog(log, "Exec format error\n")
	g := GeneratorArtifact{Name: "gen", StallMarkers: []string{"Exec format error"}}
	got := classifyPass(context.Background(), BuildResult{ExitCode: 2, LogPath: log}, &ProcessError{}, g)
	if got != PassExpectedPartial {
		t.Fatalf("got %s, want expected-partial", got)
	}

	// Explicit markers replace the default; the bare name no longer matches.
	other := t.TempDir() + "/other.log"
	writeFakeLog(other, "/bin/sh: ./gen: cannot execute binary file\n")
	got = classifyPass(context.Background(), BuildResult{ExitCode: 2, LogPath: other}, &ProcessError{}, g)
	if got != PassUnexpected {
		t.Fatalf("got %s, want unexpected", got)
	}
}
