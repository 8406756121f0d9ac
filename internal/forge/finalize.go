package forge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const (
	payloadExt = ".wasm"
	loaderExt  = ".js"
)

// Link settings every module gets: 64-bit integers across the binding
// boundary, an ES module factory, the in-memory filesystem, and zlib.
var baseLinkSettings = []string{
	"WASM_BIGINT",
	"EXPORT_ES6=1",
	"MODULARIZE=1",
	"FORCE_FILESYSTEM=1",
	"USE_ZLIB=1",
}

// FinalModule is the linked payload and the loader that instantiates it.
type FinalModule struct {
	Payload string
	Loader  string
}

// Files returns the module's files in publish order.
func (m FinalModule) Files() []string {
	return []string{m.Payload, m.Loader}
}

// Finalizer links the cross-built static archives and the binding source
// into one loadable module.
type Finalizer struct {
	Manifest Manifest
	Runner   Runner
	Log      *BuildLog
}

func NewFinalizer(m Manifest, r Runner, log *BuildLog) *Finalizer {
	return &Finalizer{Manifest: m, Runner: r, Log: log}
}

// Link runs the linker in buildDir. A missing archive fails before the
// linker is invoked, so no payload is written.
func (f *Finalizer) Link(ctx context.Context, buildDir string, exports ExportSymbols) (FinalModule, error) {
	fs := f.Manifest.Finalize
	step("Finalising %s in %s", fs.Output, buildDir)

	if missing := missingFiles(buildDir, fs.Archives); len(missing) > 0 {
		return FinalModule{}, failf(ErrMissingArtifact, "finalize", nil, "static archive(s) not found: %s", strings.Join(missing, ", "))
	}
	if !fileExists(fs.Binding) {
		return FinalModule{}, failf(ErrMissingArtifact, "finalize", nil, "binding source %s not found", fs.Binding)
	}

	argv := f.linkArgs(buildDir, exports)
	c := Command{Label: "finalize-link", Name: argv[0], Args: argv[1:], Dir: buildDir}
	if f.Log != nil {
		c.LogPath = f.Log.Path(c.Label)
	}
	if _, err := f.Runner.Run(ctx, c); err != nil {
		return FinalModule{}, failf(ErrUnexpectedBuild, "finalize", err, "link")
	}

	mod := FinalModule{
		Payload: filepath.Join(buildDir, fs.Output+payloadExt),
		Loader:  filepath.Join(buildDir, fs.Output+loaderExt),
	}
	for _, p := range mod.Files() {
		if !fileExists(p) {
			return FinalModule{}, failf(ErrMissingArtifact, "finalize", nil, "linker did not produce %s", filepath.Base(p))
		}
	}
	return mod, nil
}

func (f *Finalizer) linkArgs(buildDir string, exports ExportSymbols) []string {
	m := f.Manifest
	fs := m.Finalize

	argv := []string{fs.Linker}
	if fs.Optimize != "" {
		argv = append(argv, fs.Optimize)
	}
	for _, a := range fs.Archives {
		argv = append(argv, filepath.Join(buildDir, a))
	}
	argv = append(argv, "--bind", fs.Binding)
	for _, inc := range fs.SourceIncludes {
		argv = append(argv, "-I"+filepath.Join(m.Library.Source, inc))
	}
	for _, inc := range fs.BuildIncludes {
		argv = append(argv, "-I"+filepath.Join(buildDir, inc))
	}
	argv = append(argv, "-o", fs.Output+loaderExt)

	settings := append([]string{}, baseLinkSettings...)
	if len(fs.RuntimeMethods) > 0 {
		settings = append(settings, "EXTRA_EXPORTED_RUNTIME_METHODS="+jsonList(fs.RuntimeMethods))
	}
	if exports != nil {
		settings = append(settings, exports.Setting())
	}
	settings = append(settings, fs.ExtraSettings...)
	for _, s := range settings {
		argv = append(argv, "-s", s)
	}
	return argv
}

// Publish copies the module files into dir and returns the published paths.
func Publish(mod FinalModule, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failf(ErrPublish, "publish", err, "create %s", dir)
	}
	var out []string
	for _, src := range mod.Files() {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return out, failf(ErrPublish, "publish", err, "copy %s", filepath.Base(src))
		}
		out = append(out, dst)
	}
	step("Published %s", strings.Join(out, ", "))
	return out, nil
}
