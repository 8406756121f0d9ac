package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeBuild stands in for the library build system and the toolchains. Its
// cross build stalls at the first generator that has not been injected,
// the way a real build stops when it cannot execute a cross-compiled tool.
type fakeBuild struct {
	gens     []GeneratorArtifact
	archives []string

	failConfigure bool
	failLink      bool
	// breakPass makes that cross pass fail with an unrelated compiler error.
	breakPass int
	// skipArchives leaves the final pass without its archives.
	skipArchives bool

	mu            sync.Mutex
	calls         []Command
	generatorRuns map[string]int
}

func newFakeBuild(gens []GeneratorArtifact, archives []string) *fakeBuild {
	return &fakeBuild{gens: gens, archives: archives, generatorRuns: make(map[string]int)}
}

func (f *fakeBuild) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Label)
	}
	return out
}

func (f *fakeBuild) Run(ctx context.Context, c Command) (BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	res := BuildResult{Label: c.Label, LogPath: c.LogPath}

	fail := func(code int, output string) (BuildResult, error) {
		writeFakeLog(c.LogPath, output)
		res.ExitCode = code
		return res, &ProcessError{Result: res, Err: errors.New("exit status " + fmt.Sprint(code))}
	}

	switch {
	case strings.HasSuffix(c.Label, "-configure"):
		if f.failConfigure {
			return fail(1, "checking for gcc... no\nconfigure: error: no acceptable C compiler found in $PATH\n")
		}
		writeFakeLog(c.LogPath, "config.status: creating Makefile\n")

	case c.Label == "host-build":
		for _, g := range f.gens {
			writeFakeFile(filepath.Join(c.Dir, g.HostPath), "host binary "+g.Name)
		}

	case strings.HasPrefix(c.Label, "cross-build-"):
		var pass int
		fmt.Sscanf(c.Label, "cross-build-%d", &pass)
		if pass == f.breakPass {
			return fail(2, "H5Ztrans.c:12:1: error: unknown type name 'hid_t'\nmake: *** [Makefile:900: all] Error 1\n")
		}
		ws := Workspace{Build: c.Dir}
		for _, g := range f.gens {
			if ws.Satisfied(g.TreePath, g.Prerequisites...) {
				continue
			}
			f.generatorRuns[g.Name]++
			return fail(2, fmt.Sprintf("./%s > out.c\n/bin/sh: ./%s: cannot execute binary file: Exec format error\nmake[2]: *** [Makefile:1400: out.c] Error 126\n", g.Name, g.Name))
		}
		if !f.skipArchives {
			for _, a := range f.archives {
				writeFakeFile(filepath.Join(c.Dir, a), "archive")
			}
		}

	case c.Label == "finalize-link":
		if f.failLink {
			return fail(1, "wasm-ld: error: undefined symbol: H5open\n")
		}
		for i, a := range c.Args {
			if a == "-o" && i+1 < len(c.Args) {
				loader := filepath.Join(c.Dir, c.Args[i+1])
				writeFakeFile(loader, "export default function factory() {}\n")
				writeFakeFile(strings.TrimSuffix(loader, loaderExt)+payloadExt, strings.Repeat("\x00asm payload ", 512))
			}
		}
	}
	return res, nil
}

func writeFakeLog(path, content string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(content)
}

func writeFakeFile(path, content string) {
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte(content), 0o755)
}

func testGenerators() []GeneratorArtifact {
	return []GeneratorArtifact{
		{Name: "toolA", HostPath: "src/toolA", TreePath: "src/toolA"},
		{Name: "toolB", HostPath: "src/toolB", TreePath: "src/toolB"},
	}
}

var testArchives = []string{"src/.libs/libcore.a", "hl/src/.libs/libhl.a", "c++/src/.libs/libbind.a"}

// testManifest returns a manifest for the fake build rooted in a temp dir.
func testManifest(t *testing.T) Manifest {
	t.Helper()
	dir := t.TempDir()
	writeFakeFile(filepath.Join(dir, "lib", "configure"), "#!/bin/sh\n")
	writeFakeFile(filepath.Join(dir, "binding.cpp"), "// binding\n")
	writeFakeFile(filepath.Join(dir, "exported.txt"), "H5open\nH5Fopen\n")

	m := DefaultManifest(dir)
	m.Library.Source = "lib"
	m.Library.Autogen = ""
	m.Generators = testGenerators()
	m.Finalize.Archives = testArchives
	m.Finalize.Binding = "binding.cpp"
	m.Finalize.Output = "module"
	if err := m.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return m
}

// seedCache puts host binaries for gens into cacheDir and records them.
func seedCache(t *testing.T, cacheDir, revision string, gens []GeneratorArtifact) {
	t.Helper()
	for _, g := range gens {
		writeFakeFile(filepath.Join(cacheDir, g.Name), "host binary "+g.Name)
	}
	if _, err := writeGeneratorCache(cacheDir, revision, gens); err != nil {
		t.Fatalf("write generator cache: %v", err)
	}
}
