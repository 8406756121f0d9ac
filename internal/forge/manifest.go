package forge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Manifest describes the library build the pipeline drives: where the
// source lives, how to configure and build it, which host-only generators
// the cross build cannot run, and how the final module is linked.
type Manifest struct {
	Library    LibrarySpec         `yaml:"library" toml:"library"`
	Toolchain  ToolchainSpec       `yaml:"toolchain" toml:"toolchain"`
	Build      BuildSpec           `yaml:"build" toml:"build"`
	Generators []GeneratorArtifact `yaml:"generators" toml:"generators"`
	Finalize   FinalizeSpec        `yaml:"finalize" toml:"finalize"`

	// Dir is the directory relative paths resolve against.
	Dir string `yaml:"-" toml:"-"`
}

type LibrarySpec struct {
	Source          string   `yaml:"source" toml:"source"`
	Autogen         string   `yaml:"autogen" toml:"autogen"`
	Configure       string   `yaml:"configure" toml:"configure"`
	ConfigureRunner []string `yaml:"configure_runner" toml:"configure_runner"`
	ConfigureFlags  []string `yaml:"configure_flags" toml:"configure_flags"`
}

type ToolchainSpec struct {
	Env                string   `yaml:"env" toml:"env"`
	VersionCommand     []string `yaml:"version_command" toml:"version_command"`
	ConfigureWrapper   []string `yaml:"configure_wrapper" toml:"configure_wrapper"`
	BuildWrapper       []string `yaml:"build_wrapper" toml:"build_wrapper"`
	HostVersionCommand []string `yaml:"host_version_command" toml:"host_version_command"`
}

type BuildSpec struct {
	Command []string `yaml:"command" toml:"command"`
	Jobs    int      `yaml:"jobs" toml:"jobs"`
}

// GeneratorArtifact is a host-only helper program whose binary the cross
// build needs but cannot produce in runnable form.
type GeneratorArtifact struct {
	Name string `yaml:"name" toml:"name"`
	// HostPath is where the host build leaves the binary, relative to its build dir.
	HostPath string `yaml:"host_path" toml:"host_path"`
	// TreePath is where the cross build expects the binary, relative to its build dir.
	TreePath string `yaml:"tree_path" toml:"tree_path"`
	// Prerequisites are cross build tree files the injected binary must be newer than.
	Prerequisites []string `yaml:"prerequisites" toml:"prerequisites"`
	// StallMarkers identify a build pass that stopped at this generator.
	StallMarkers []string `yaml:"stall_markers" toml:"stall_markers"`
}

// execFailures are the shell and make messages printed when a program in
// the tree cannot be run on the build machine.
var execFailures = []string{
	"cannot execute",
	"Exec format error",
	"Syntax error",
	": not found",
	"Permission denied",
	"Error 126",
	"Error 127",
}

// stalledIn reports whether a build log tail shows this generator failing
// to run. Explicit stall markers match anywhere in the tail. Without them a
// line must name the generator and carry an exec failure, so compiling or
// linking the generator itself never counts.
func (g GeneratorArtifact) stalledIn(tail string) bool {
	if len(g.StallMarkers) > 0 {
		for _, marker := range g.StallMarkers {
			if strings.Contains(tail, marker) {
				return true
			}
		}
		return false
	}
	for _, line := range strings.Split(tail, "\n") {
		if !strings.Contains(line, g.Name) {
			continue
		}
		for _, f := range execFailures {
			if strings.Contains(line, f) {
				return true
			}
		}
	}
	return false
}

type FinalizeSpec struct {
	Linker         string   `yaml:"linker" toml:"linker"`
	Optimize       string   `yaml:"optimize" toml:"optimize"`
	Archives       []string `yaml:"archives" toml:"archives"`
	Binding        string   `yaml:"binding" toml:"binding"`
	SourceIncludes []string `yaml:"source_includes" toml:"source_includes"`
	BuildIncludes  []string `yaml:"build_includes" toml:"build_includes"`
	Output         string   `yaml:"output" toml:"output"`
	ExportsFile    string   `yaml:"exports_file" toml:"exports_file"`
	RuntimeMethods []string `yaml:"runtime_methods" toml:"runtime_methods"`
	ExtraSettings  []string `yaml:"extra_settings" toml:"extra_settings"`
}

// DefaultManifest reproduces the reference HDF5 to WebAssembly build.
func DefaultManifest(dir string) Manifest {
	return Manifest{
		Library: LibrarySpec{
			Source:          "libhdf5",
			Autogen:         "autogen.sh",
			Configure:       "configure",
			ConfigureRunner: []string{"bash"},
			ConfigureFlags: []string{
				"LIBS=-lz",
				"--disable-tests",
				"--enable-cxx",
				"--enable-build-mode=production",
				"--disable-tools",
				"--disable-shared",
				"--disable-deprecated-symbols",
			},
		},
		Toolchain: ToolchainSpec{
			Env:                "EMSDK",
			VersionCommand:     []string{"emcc", "--version"},
			ConfigureWrapper:   []string{"emconfigure"},
			BuildWrapper:       []string{"emmake"},
			HostVersionCommand: []string{"cc", "--version"},
		},
		Build: BuildSpec{
			Command: []string{"make"},
			Jobs:    defaultJobs,
		},
		Generators: []GeneratorArtifact{
			{Name: "H5detect", HostPath: "src/H5detect", TreePath: "src/H5detect"},
			{Name: "H5make_libsettings", HostPath: "src/H5make_libsettings", TreePath: "src/H5make_libsettings"},
		},
		Finalize: FinalizeSpec{
			Linker:   "emcc",
			Optimize: "-O3",
			Archives: []string{
				"src/.libs/libhdf5.a",
				"hl/src/.libs/libhdf5_hl.a",
				"c++/src/.libs/libhdf5_cpp.a",
			},
			Binding:        "test.cpp",
			SourceIncludes: []string{"src", "c++/src", "hl/src"},
			BuildIncludes:  []string{"src"},
			Output:         "webhdf5",
			ExportsFile:    "exported.txt",
			RuntimeMethods: []string{"ccall", "cwrap", "FS"},
		},
		Dir: dir,
	}
}

// LoadManifest reads a YAML or TOML manifest over the defaults. An empty
// path yields the defaults rooted at dir.
func LoadManifest(path, dir string) (Manifest, error) {
	if path == "" {
		m := DefaultManifest(dir)
		return m, m.normalize()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, failf(ErrConfig, "manifest", err, "read %s", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, failf(ErrConfig, "manifest", nil, "%s is empty", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Manifest{}, failf(ErrConfig, "manifest", err, "resolve %s", path)
	}
	m := DefaultManifest(filepath.Dir(abs))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &map[string]any{})
		if err != nil {
			return Manifest{}, failf(ErrConfig, "manifest", err, "decode %s", path)
		}
		m.clearListsDefinedIn(md)
		if _, err := toml.Decode(string(data), &m); err != nil {
			return Manifest{}, failf(ErrConfig, "manifest", err, "decode %s", path)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, failf(ErrConfig, "manifest", err, "decode %s", path)
		}
	}
	return m, m.normalize()
}

// clearListsDefinedIn drops the default lists a TOML file sets. The toml
// decoder fills existing slice elements in place, so a [[generators]] table
// would otherwise inherit fields of the default generator at its index.
func (m *Manifest) clearListsDefinedIn(md toml.MetaData) {
	lists := map[string]*[]string{
		"library.configure_runner":       &m.Library.ConfigureRunner,
		"library.configure_flags":        &m.Library.ConfigureFlags,
		"toolchain.version_command":      &m.Toolchain.VersionCommand,
		"toolchain.configure_wrapper":    &m.Toolchain.ConfigureWrapper,
		"toolchain.build_wrapper":        &m.Toolchain.BuildWrapper,
		"toolchain.host_version_command": &m.Toolchain.HostVersionCommand,
		"build.command":                  &m.Build.Command,
		"finalize.archives":              &m.Finalize.Archives,
		"finalize.source_includes":       &m.Finalize.SourceIncludes,
		"finalize.build_includes":        &m.Finalize.BuildIncludes,
		"finalize.runtime_methods":       &m.Finalize.RuntimeMethods,
		"finalize.extra_settings":        &m.Finalize.ExtraSettings,
	}
	for key, list := range lists {
		if md.IsDefined(strings.Split(key, ".")...) {
			*list = nil
		}
	}
	if md.IsDefined("generators") {
		m.Generators = nil
	}
}

func (m *Manifest) normalize() error {
	if m.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return failf(ErrConfig, "manifest", err, "resolve base directory")
		}
		m.Dir = wd
	}
	m.Library.Source = m.resolve(m.Library.Source)
	m.Finalize.Binding = m.resolve(m.Finalize.Binding)
	m.Finalize.ExportsFile = m.resolve(m.Finalize.ExportsFile)
	if m.Build.Jobs < 1 {
		m.Build.Jobs = defaultJobs
	}
	return m.validate()
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

func (m *Manifest) validate() error {
	bad := func(format string, a ...any) error {
		return failf(ErrConfig, "manifest", nil, format, a...)
	}
	if m.Library.Source == "" {
		return bad("library.source is required")
	}
	if m.Library.Configure == "" {
		return bad("library.configure is required")
	}
	if len(m.Build.Command) == 0 {
		return bad("build.command is required")
	}
	if len(m.Toolchain.VersionCommand) == 0 {
		return bad("toolchain.version_command is required")
	}
	if len(m.Generators) == 0 {
		return bad("at least one generator is required")
	}
	seen := make(map[string]bool, len(m.Generators))
	for i, g := range m.Generators {
		if g.Name == "" {
			return bad("generators[%d]: name is required", i)
		}
		if seen[g.Name] {
			return bad("generators[%d]: duplicate name %q", i, g.Name)
		}
		seen[g.Name] = true
		if g.HostPath == "" || g.TreePath == "" {
			return bad("generator %s: host_path and tree_path are required", g.Name)
		}
		if filepath.IsAbs(g.TreePath) || strings.HasPrefix(filepath.Clean(g.TreePath), "..") {
			return bad("generator %s: tree_path must stay inside the build tree", g.Name)
		}
	}
	if m.Finalize.Linker == "" || m.Finalize.Output == "" {
		return bad("finalize.linker and finalize.output are required")
	}
	if len(m.Finalize.Archives) == 0 {
		return bad("finalize.archives must list the static archives to link")
	}
	if m.Finalize.Binding == "" {
		return bad("finalize.binding is required")
	}
	return nil
}

// configureArgs returns the configure invocation, prefixed by wrapper.
func (m Manifest) configureArgs(wrapper []string) []string {
	script := filepath.Join(m.Library.Source, m.Library.Configure)
	args := append([]string{}, wrapper...)
	args = append(args, m.Library.ConfigureRunner...)
	args = append(args, script)
	return append(args, m.Library.ConfigureFlags...)
}

// buildArgs returns the build invocation, prefixed by wrapper.
func (m Manifest) buildArgs(wrapper []string) []string {
	args := append([]string{}, wrapper...)
	args = append(args, m.Build.Command...)
	return append(args, fmt.Sprintf("-j%d", m.Build.Jobs))
}
