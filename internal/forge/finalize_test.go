package forge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestFinalizerMissingArchiveWritesNoPayload(t *testing.T) {
	m := testManifest(t)
	fb := newFakeBuild(m.Generators, m.Finalize.Archives)
	build := t.TempDir()
	// Only two of the three archives exist.
	writeFakeFile(filepath.Join(build, m.Finalize.Archives[0]), "a")
	writeFakeFile(filepath.Join(build, m.Finalize.Archives[1]), "a")

	_, err := NewFinalizer(m, fb, nil).Link(context.Background(), build, ExportSymbols{"_foo"})
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("expected ErrMissingArtifact, got %v", err)
	}
	if !strings.Contains(err.Error(), m.Finalize.Archives[2]) {
		t.Fatalf("error does not name the missing archive: %v", err)
	}
	if len(fb.calls) != 0 {
		t.Fatalf("linker ran without its archives")
	}
	if fileExists(filepath.Join(build, "module.wasm")) {
		t.Fatalf("payload written despite a missing archive")
	}
}

func TestFinalizerLinks(t *testing.T) {
	m := testManifest(t)
	fb := newFakeBuild(m.Generators, m.Finalize.Archives)
	build := t.TempDir()
	for _, a := range m.Finalize.Archives {
		writeFakeFile(filepath.Join(build, a), "a")
	}

	mod, err := NewFinalizer(m, fb, nil).Link(context.Background(), build, ExportSymbols{"_foo", "_bar"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if mod.Payload != filepath.Join(build, "module.wasm") || mod.Loader != filepath.Join(build, "module.js") {
		t.Fatalf("unexpected module: %+v", mod)
	}

	c := fb.calls[0]
	if c.Name != "emcc" || c.Dir != build {
		t.Fatalf("unexpected link command: %s in %s", c, c.Dir)
	}
	for _, want := range []string{
		"-O3", "--bind", m.Finalize.Binding, "WASM_BIGINT", "MODULARIZE=1", "EXPORT_ES6=1",
		"FORCE_FILESYSTEM=1", "USE_ZLIB=1", `EXPORTED_FUNCTIONS=["_foo","_bar"]`,
		`EXTRA_EXPORTED_RUNTIME_METHODS=["ccall","cwrap","FS"]`,
		filepath.Join(build, m.Finalize.Archives[2]),
		"-I" + filepath.Join(m.Library.Source, "c++/src"),
		"-I" + filepath.Join(build, "src"),
	} {
		if !slices.Contains(c.Args, want) {
			t.Errorf("link args missing %q: %v", want, c.Args)
		}
	}
}

func TestFinalizerLinkFailure(t *testing.T) {
	m := testManifest(t)
	fb := newFakeBuild(m.Generators, m.Finalize.Archives)
	fb.failLink = true
	build := t.TempDir()
	for _, a := range m.Finalize.Archives {
		writeFakeFile(filepath.Join(build, a), "a")
	}
	_, err := NewFinalizer(m, fb, nil).Link(context.Background(), build, nil)
	if !errors.Is(err, ErrUnexpectedBuild) {
		t.Fatalf("expected ErrUnexpectedBuild, got %v", err)
	}
}

func TestPublishCopiesExactlyTwoFiles(t *testing.T) {
	build := t.TempDir()
	mod := FinalModule{Payload: filepath.Join(build, "m.wasm"), Loader: filepath.Join(build, "m.js")}
	writeFakeFile(mod.Payload, "wasm")
	writeFakeFile(mod.Loader, "js")
	writeFakeFile(mod.Payload+".br", "compressed")

	dir := filepath.Join(t.TempDir(), "publish")
	out, err := Publish(mod, dir)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("unexpected published files: %v", out)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !slices.Equal(names, []string{"m.js", "m.wasm"}) {
		t.Fatalf("publish dir holds %v", names)
	}
}

func TestPublishMissingFile(t *testing.T) {
	build := t.TempDir()
	mod := FinalModule{Payload: filepath.Join(build, "m.wasm"), Loader: filepath.Join(build, "m.js")}
	if _, err := Publish(mod, t.TempDir()); !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}
