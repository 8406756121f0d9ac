package forge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// CrossState is a state of the cross build injection machine.
type CrossState int

const (
	StateConfigure CrossState = iota
	StateBuild
	StateInject
	StateDone
	StateFailed
)

func (s CrossState) String() string {
	switch s {
	case StateConfigure:
		return "CONFIGURE"
	case StateBuild:
		return "BUILD"
	case StateInject:
		return "INJECT"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("CrossState(%d)", int(s))
	}
}

// PassOutcome classifies one cross build pass.
type PassOutcome int

const (
	// PassComplete means the build tool exited zero.
	PassComplete PassOutcome = iota
	// PassExpectedPartial means the pass stopped at the generator it was
	// expected to stop at; the next injection resolves it.
	PassExpectedPartial
	// PassUnexpected means the pass failed for any other reason.
	PassUnexpected
)

func (o PassOutcome) String() string {
	switch o {
	case PassComplete:
		return "complete"
	case PassExpectedPartial:
		return "expected-partial"
	default:
		return "unexpected-failure"
	}
}

// how much of a pass log is scanned for stall markers
const stallScanBytes = 64 << 10

// PassRecord is one BUILD_n of the machine.
type PassRecord struct {
	Pass     int
	Awaiting string // generator the pass was expected to stop at; empty on the final pass
	Outcome  PassOutcome
	Result   BuildResult
}

// CrossReport summarises a cross phase run.
type CrossReport struct {
	State    CrossState
	Passes   []PassRecord
	Injected []string
}

// CrossPhase drives the cross build: configure, then one build pass per
// host-only generator, injecting that generator before the next pass, then
// a final pass that must complete.
type CrossPhase struct {
	phase
	// OnTransition observes every state change.
	OnTransition func(from, to CrossState, detail string)

	state CrossState
}

func NewCrossPhase(m Manifest, r Runner, log *BuildLog) *CrossPhase {
	return &CrossPhase{phase: phase{Manifest: m, Runner: r, Log: log}}
}

func (c *CrossPhase) transition(to CrossState, detail string) {
	from := c.state
	c.state = to
	debugf("cross: %s -> %s %s\n", from, to, detail)
	if c.OnTransition != nil {
		c.OnTransition(from, to, detail)
	}
}

// Run executes the machine in ws.Build using the generators cached in
// ws.Cache, which must have been built from revision.
func (c *CrossPhase) Run(ctx context.Context, ws Workspace, revision string) (CrossReport, error) {
	m := c.Manifest
	gens := m.Generators
	report := CrossReport{}
	c.state = StateConfigure

	fail := func(err error) (CrossReport, error) {
		c.transition(StateFailed, err.Error())
		report.State = StateFailed
		return report, err
	}

	step("Cross phase: %d host-only generator(s) to inject in %s", len(gens), ws.Build)

	if err := verifyGeneratorCache(ws.Cache, revision, gens); err != nil {
		return fail(err)
	}

	if _, err := c.Runner.Run(ctx, c.command("cross-configure", ws.Build, m.configureArgs(m.Toolchain.ConfigureWrapper))); err != nil {
		return fail(failf(ErrConfigureFailed, "cross", err, "configure"))
	}

	for i := 0; i <= len(gens); i++ {
		pass := i + 1
		c.transition(StateBuild, fmt.Sprintf("pass %d", pass))

		label := fmt.Sprintf("cross-build-%d", pass)
		res, runErr := c.Runner.Run(ctx, c.command(label, ws.Build, m.buildArgs(m.Toolchain.BuildWrapper)))
		rec := PassRecord{Pass: pass, Result: res}

		if i == len(gens) {
			if runErr != nil {
				rec.Outcome = PassUnexpected
				report.Passes = append(report.Passes, rec)
				return fail(failf(ErrUnexpectedBuild, "cross", runErr, "final pass %d", pass))
			}
			rec.Outcome = PassComplete
			report.Passes = append(report.Passes, rec)
			if missing := missingFiles(ws.Build, m.Finalize.Archives); len(missing) > 0 {
				return fail(failf(ErrMissingArtifact, "cross", nil, "build completed without %s", strings.Join(missing, ", ")))
			}
			break
		}

		g := gens[i]
		rec.Awaiting = g.Name
		rec.Outcome = classifyPass(ctx, res, runErr, g)
		report.Passes = append(report.Passes, rec)

		switch rec.Outcome {
		case PassUnexpected:
			return fail(failf(ErrUnexpectedBuild, "cross", runErr, "pass %d failed before reaching %s", pass, g.Name))
		case PassComplete:
			debugf("pass %d completed before %s was injected\n", pass, g.Name)
		default:
			colArrow.Print("-> ")
			colNote.Printf("Pass %d stopped at %s as expected\n", pass, g.Name)
		}

		c.transition(StateInject, g.Name)
		if err := c.inject(ws, g); err != nil {
			return fail(err)
		}
		report.Injected = append(report.Injected, g.Name)
	}

	c.transition(StateDone, "")
	report.State = StateDone
	step("Cross phase done after %d pass(es)", len(report.Passes))
	return report, nil
}

// inject places the cached generator at its tree path and marks it
// satisfied so the next pass skips regenerating it.
func (c *CrossPhase) inject(ws Workspace, g GeneratorArtifact) error {
	src := filepath.Join(ws.Cache, g.Name)
	if !fileExists(src) {
		return failf(ErrMissingArtifact, "cross", nil, "generator %s missing from cache %s", g.Name, ws.Cache)
	}
	if err := copyExecutable(src, filepath.Join(ws.Build, g.TreePath)); err != nil {
		return failf(ErrMissingArtifact, "cross", err, "inject %s", g.Name)
	}
	if err := ws.MarkSatisfied(g.TreePath, g.Prerequisites...); err != nil {
		return failf(ErrMissingArtifact, "cross", err, "mark %s satisfied", g.Name)
	}
	if !ws.Satisfied(g.TreePath, g.Prerequisites...) {
		return failf(ErrMissingArtifact, "cross", nil, "%s is still older than its prerequisites", g.TreePath)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Injected %s at %s\n", g.Name, g.TreePath)
	return nil
}

// classifyPass decides whether a failed pass stopped at generator g.
func classifyPass(ctx context.Context, res BuildResult, runErr error, g GeneratorArtifact) PassOutcome {
	if runErr == nil {
		return PassComplete
	}
	var pe *ProcessError
	if !errors.As(runErr, &pe) || res.TimedOut || ctx.Err() != nil || res.LogPath == "" {
		return PassUnexpected
	}
	tail, err := readTail(res.LogPath, stallScanBytes)
	if err != nil {
		debugf("cannot read %s: %v\n", res.LogPath, err)
		return PassUnexpected
	}
	if g.stalledIn(tail) {
		return PassExpectedPartial
	}
	return PassUnexpected
}
