package forge

import (
	"context"
	"os"
	"regexp"
	"strings"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)*`)

// ProbeResult is what a toolchain probe found.
type ProbeResult struct {
	Name    string
	Present bool
	Version string
	Home    string // value of the toolchain's home env var, if any
}

// ToolchainProbe checks that a toolchain is installed and reports its version.
type ToolchainProbe struct {
	Name    string
	Env     string   // home env var that must point to an existing directory, optional
	Command []string // version command, e.g. emcc --version

	LookupEnv func(string) (string, bool)
	Output    func(ctx context.Context, dir, name string, args ...string) (string, error)
}

func newToolchainProbes(m Manifest) (cross, host ToolchainProbe) {
	cross = ToolchainProbe{Name: "cross toolchain", Env: m.Toolchain.Env, Command: m.Toolchain.VersionCommand}
	host = ToolchainProbe{Name: "host toolchain", Command: m.Toolchain.HostVersionCommand}
	return cross, host
}

// Probe fails with ErrToolchainMissing when the toolchain is absent.
func (p ToolchainProbe) Probe(ctx context.Context) (ProbeResult, error) {
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	output := p.Output
	if output == nil {
		output = captureOutput
	}
	res := ProbeResult{Name: p.Name}

	if p.Env != "" {
		home, ok := lookup(p.Env)
		if !ok || home == "" {
			return res, failf(ErrToolchainMissing, "probe", nil, "%s: %s is not set", p.Name, p.Env)
		}
		if info, err := os.Stat(home); err != nil || !info.IsDir() {
			return res, failf(ErrToolchainMissing, "probe", err, "%s: %s=%s does not exist", p.Name, p.Env, home)
		}
		res.Home = home
	}

	if len(p.Command) == 0 {
		res.Present = true
		return res, nil
	}
	out, err := output(ctx, "", p.Command[0], p.Command[1:]...)
	if err != nil {
		return res, failf(ErrToolchainMissing, "probe", err, "%s: %s", p.Name, strings.Join(p.Command, " "))
	}
	res.Present = true
	res.Version = parseVersion(out)
	return res, nil
}

// parseVersion pulls the first dotted version number from the first line of
// a --version banner.
func parseVersion(banner string) string {
	first, _, _ := strings.Cut(banner, "\n")
	if v := versionPattern.FindString(first); v != "" {
		return v
	}
	if v := versionPattern.FindString(banner); v != "" {
		return v
	}
	return "unknown"
}
