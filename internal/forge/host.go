package forge

import (
	"context"
	"path/filepath"
)

// phase is shared plumbing for the host and cross controllers.
type phase struct {
	Manifest Manifest
	Runner   Runner
	Log      *BuildLog
}

func (p phase) command(label, dir string, argv []string) Command {
	c := Command{Label: label, Name: argv[0], Args: argv[1:], Dir: dir}
	if p.Log != nil {
		c.LogPath = p.Log.Path(label)
	}
	return c
}

// HostPhase builds the library natively and harvests the generator binaries.
type HostPhase struct {
	phase
}

func NewHostPhase(m Manifest, r Runner, log *BuildLog) *HostPhase {
	return &HostPhase{phase{Manifest: m, Runner: r, Log: log}}
}

// Run drives autogen, configure and a full build in ws.Build, then copies
// every generator into ws.Cache and records their digests against revision.
func (h *HostPhase) Run(ctx context.Context, ws Workspace, revision string) (GeneratorCache, error) {
	m := h.Manifest
	step("Host phase: native build in %s", ws.Build)

	if m.Library.Autogen != "" {
		script := filepath.Join(m.Library.Source, m.Library.Autogen)
		if fileExists(script) {
			if _, err := h.Runner.Run(ctx, h.command("host-autogen", m.Library.Source, []string{script})); err != nil {
				return GeneratorCache{}, failf(ErrConfigureFailed, "host", err, "autogen")
			}
		} else {
			debugf("No autogen script at %s, skipping\n", script)
		}
	}

	if _, err := h.Runner.Run(ctx, h.command("host-configure", ws.Build, m.configureArgs(nil))); err != nil {
		return GeneratorCache{}, failf(ErrConfigureFailed, "host", err, "configure")
	}

	if _, err := h.Runner.Run(ctx, h.command("host-build", ws.Build, m.buildArgs(nil))); err != nil {
		return GeneratorCache{}, failf(ErrUnexpectedBuild, "host", err, "native build did not complete")
	}

	return h.harvest(ws, revision)
}

func (h *HostPhase) harvest(ws Workspace, revision string) (GeneratorCache, error) {
	for _, g := range h.Manifest.Generators {
		src := filepath.Join(ws.Build, g.HostPath)
		if !fileExists(src) {
			return GeneratorCache{}, failf(ErrMissingArtifact, "host", nil, "generator %s not found at %s after host build", g.Name, src)
		}
		dst := filepath.Join(ws.Cache, g.Name)
		if err := copyExecutable(src, dst); err != nil {
			return GeneratorCache{}, failf(ErrMissingArtifact, "host", err, "copy generator %s into cache", g.Name)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Harvested %s\n", g.Name)
	}

	gc, err := writeGeneratorCache(ws.Cache, revision, h.Manifest.Generators)
	if err != nil {
		return gc, failf(ErrMissingArtifact, "host", err, "record generator cache")
	}
	return gc, nil
}
