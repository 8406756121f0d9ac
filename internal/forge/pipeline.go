package forge

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"
)

// prober is satisfied by ToolchainProbe; tests substitute fakes.
type prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// Pipeline sequences one complete run: probe, host phase, cross phase,
// finalize, publish, post-process, and the optional release steps.
type Pipeline struct {
	Settings   Settings
	Manifest   Manifest
	Runner     Runner
	Probes     []prober
	Compressor Compressor
	// NewUploader is nil when remote publishing is not configured.
	NewUploader func(ctx context.Context) (objectUploader, error)
	SigningKey  ed25519.PrivateKey
	// ShowFailures opens the failing invocation's log after a build error.
	ShowFailures bool
	// Smoke runs the browser load test; nil disables it.
	Smoke func(ctx context.Context, t SmokeTest) error
}

// NewPipeline wires the production collaborators for s and m.
func NewPipeline(s Settings, m Manifest) (*Pipeline, error) {
	if s.Jobs > 0 {
		m.Build.Jobs = s.Jobs
	}
	runner := NewExecutor(s.Timeout, s.Verbose)
	comp, err := newCompressor(s.Compressor, runner, nil)
	if err != nil {
		return nil, configErrorf("%v", err)
	}

	cross, host := newToolchainProbes(m)
	p := &Pipeline{
		Settings:     s,
		Manifest:     m,
		Runner:       runner,
		Probes:       []prober{cross, host},
		Compressor:   comp,
		ShowFailures: true,
	}

	if s.SigningKeyPath != "" {
		key, err := loadPrivateKey(s.SigningKeyPath)
		if err != nil {
			return nil, configErrorf("WASMFORGE_SIGNING_KEY: %v", err)
		}
		p.SigningKey = key
	}
	if s.R2.Enabled() {
		r2 := s.R2
		p.NewUploader = func(ctx context.Context) (objectUploader, error) {
			return NewR2Client(ctx, r2)
		}
	}
	if s.Smoke {
		p.Smoke = func(ctx context.Context, t SmokeTest) error { return t.Run(ctx) }
	}
	return p, nil
}

// StageResult records how one stage went.
type StageResult struct {
	Name     string
	Duration time.Duration
	Skipped  bool
	Err      error
}

// Report is what a run did. Degraded failures are kept here; fatal ones
// are also returned from Run.
type Report struct {
	RunID       string
	Revision    string
	LogDir      string
	Probes      []ProbeResult
	HostSkipped bool
	Cross       CrossReport
	Module      FinalModule
	Published   []string
	Compressed  string
	// CompressedDiscarded is set when nothing keeps the compressed sibling
	// past the workspace release.
	CompressedDiscarded bool
	Release             []string
	Uploaded            []string
	Stages              []StageResult
}

func (r *Report) record(name string, start time.Time, err error) {
	r.Stages = append(r.Stages, StageResult{Name: name, Duration: time.Since(start), Err: err})
}

func (r *Report) skip(name string) {
	r.Stages = append(r.Stages, StageResult{Name: name, Skipped: true})
}

// Severity is the worst severity of any stage.
func (r *Report) Severity() Severity {
	worst := SeverityNone
	for _, s := range r.Stages {
		if sev := SeverityOf(s.Err); sev > worst {
			worst = sev
		}
	}
	return worst
}

// Degraded lists the non-fatal failures of the run.
func (r *Report) Degraded() []error {
	var errs []error
	for _, s := range r.Stages {
		if SeverityOf(s.Err) == SeverityDegraded {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// Print writes a stage summary.
func (r *Report) Print() {
	fmt.Println()
	colInfo.Printf("Run %s (revision %s)\n", r.RunID, r.Revision)
	for _, s := range r.Stages {
		switch {
		case s.Skipped:
			fmt.Printf("  %-10s ", s.Name)
			colNote.Println("skipped")
		case s.Err == nil:
			fmt.Printf("  %-10s ", s.Name)
			colSuccess.Printf("ok (%s)\n", s.Duration.Round(time.Millisecond))
		case SeverityOf(s.Err) == SeverityDegraded:
			fmt.Printf("  %-10s ", s.Name)
			colWarn.Printf("degraded: %v\n", s.Err)
		default:
			fmt.Printf("  %-10s ", s.Name)
			colError.Printf("failed: %v\n", s.Err)
		}
	}
	if r.LogDir != "" {
		fmt.Printf("  logs       %s\n", r.LogDir)
	}
}

var pipelineStages = []string{"probe", "exports", "host", "cross", "finalize", "publish", "compress", "release", "smoke"}

// Run executes the pipeline. The returned error is nil unless a fatal
// failure aborted the run; the report is always non-nil.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	s := p.Settings
	m := p.Manifest
	report := &Report{}
	progress := newStageProgress(len(pipelineStages), !s.Verbose)
	defer progress.Finish()

	stage := func(name string, fn func() error) error {
		progress.Start(name)
		start := time.Now()
		err := fn()
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		report.record(name, start, err)
		progress.Done()
		if SeverityOf(err) == SeverityDegraded {
			warnf("%v", err)
			return nil
		}
		return err
	}

	// --- Pre-flight ---
	if err := stage("probe", func() error {
		for _, pr := range p.Probes {
			res, err := pr.Probe(ctx)
			if err != nil {
				return err
			}
			report.Probes = append(report.Probes, res)
			colArrow.Print("-> ")
			colSuccess.Printf("%s: %s", res.Name, res.Version)
			if res.Home != "" {
				fmt.Printf(" (%s)", res.Home)
			}
			fmt.Println()
		}
		return nil
	}); err != nil {
		return report, err
	}

	var exports ExportSymbols
	if err := stage("exports", func() error {
		if m.Finalize.ExportsFile == "" {
			return nil
		}
		var err error
		exports, err = LoadExportSymbols(m.Finalize.ExportsFile)
		if err == nil {
			debugf("%d exported symbol(s)\n", len(exports))
		}
		return err
	}); err != nil {
		return report, err
	}

	// --- Workspaces and logs ---
	alloc, err := NewAllocator(s.Root, s.CacheDir, s.KeepWorkspaces)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := alloc.Release(); err != nil {
			warnf("workspace cleanup: %v", err)
		}
	}()

	log, err := newBuildLog(s.LogDir)
	if err != nil {
		return report, failf(ErrWorkspaceAllocation, "logs", err, "create log dir")
	}
	report.RunID = filepath.Base(log.Dir)
	report.LogDir = log.Dir
	defer func() {
		if err := log.Archive(); err != nil {
			warnf("log archive: %v", err)
		}
	}()
	if b, ok := p.Compressor.(*brotliCompressor); ok && b.log == nil {
		b.log = log
	}

	report.Revision = sourceRevision(ctx, s.SourceRevision, m.Library.Source)
	debugf("library revision %s\n", report.Revision)

	// --- Host phase ---
	hostWS, err := alloc.Allocate()
	if err != nil {
		return report, err
	}
	if s.CacheDir != "" && verifyGeneratorCache(hostWS.Cache, report.Revision, m.Generators) == nil {
		step("Generator cache %s is fresh for %s, skipping host phase", hostWS.Cache, report.Revision)
		report.HostSkipped = true
		report.skip("host")
		progress.Done()
	} else if err := stage("host", func() error {
		_, err := NewHostPhase(m, p.Runner, log).Run(ctx, hostWS, report.Revision)
		return err
	}); err != nil {
		return report, p.fail(err)
	}

	// --- Cross phase ---
	crossWS, err := alloc.Allocate()
	if err != nil {
		return report, err
	}
	if err := stage("cross", func() error {
		var err error
		report.Cross, err = NewCrossPhase(m, p.Runner, log).Run(ctx, crossWS, report.Revision)
		return err
	}); err != nil {
		return report, p.fail(err)
	}

	// --- Finalize and publish ---
	if err := stage("finalize", func() error {
		var err error
		report.Module, err = NewFinalizer(m, p.Runner, log).Link(ctx, crossWS.Build, exports)
		return err
	}); err != nil {
		return report, p.fail(err)
	}

	publishDir := s.PublishDir
	if publishDir == "" {
		publishDir = m.Dir
	}
	if err := stage("publish", func() error {
		var err error
		report.Published, err = Publish(report.Module, publishDir)
		return err
	}); err != nil {
		return report, err
	}

	// --- Post-process: failures degrade, never abort ---
	_ = stage("compress", func() error {
		dst, err := PostProcess(ctx, p.Compressor, report.Module.Payload)
		if err != nil || dst == "" {
			return err
		}
		if err := VerifyCompressed(ctx, report.Module.Payload, dst); err != nil {
			return failf(ErrCompression, "compress", err, "verify %s", filepath.Base(dst))
		}
		report.Compressed = dst
		if s.PublishCompress {
			out := filepath.Join(publishDir, filepath.Base(dst))
			if err := copyFile(dst, out); err != nil {
				return failf(ErrCompression, "compress", err, "publish %s", filepath.Base(dst))
			}
			report.Published = append(report.Published, out)
		} else if !s.KeepWorkspaces && p.NewUploader == nil {
			report.CompressedDiscarded = true
			warnf("%s is removed with the workspace; set WASMFORGE_PUBLISH_COMPRESSED=1 or WASMFORGE_KEEP=1 to keep it", filepath.Base(dst))
		}
		return nil
	})
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	// --- Release: signed manifest and remote upload ---
	if p.NewUploader == nil && p.SigningKey == nil {
		report.skip("release")
		progress.Done()
	} else if err := stage("release", func() error {
		return p.release(ctx, report, crossWS.Build)
	}); err != nil {
		return report, err
	}

	// --- Smoke test ---
	if p.Smoke == nil {
		report.skip("smoke")
		progress.Done()
	} else if err := stage("smoke", func() error {
		return p.Smoke(ctx, SmokeTest{
			Dir:        publishDir,
			Loader:     filepath.Base(report.Module.Loader),
			Exports:    exports,
			ChromePath: s.ChromePath,
		})
	}); err != nil {
		return report, err
	}

	return report, nil
}

// release writes release.json (signed when a key is configured) into dir
// and uploads the module files under <prefix>/<revision>/.
func (p *Pipeline) release(ctx context.Context, report *Report, dir string) error {
	files := append([]string{}, report.Module.Files()...)
	if report.Compressed != "" {
		files = append(files, report.Compressed)
	}
	rel, err := buildRelease(p.Manifest.Finalize.Output, report.Revision, report.RunID, files)
	if err != nil {
		return failf(ErrPublish, "release", err, "build release manifest")
	}
	written, err := WriteRelease(dir, rel, p.SigningKey)
	if err != nil {
		return failf(ErrPublish, "release", err, "write release manifest")
	}
	report.Release = written
	step("Wrote %s", filepath.Base(written[0]))

	if p.NewUploader == nil {
		return nil
	}
	up, err := p.NewUploader(ctx)
	if err != nil {
		return failf(ErrPublish, "release", err, "connect to remote store")
	}
	for _, f := range append(files, written...) {
		key := path.Join(shortRevision(report.Revision), filepath.Base(f))
		if err := up.UploadLocalFile(ctx, key, f); err != nil {
			return failf(ErrPublish, "release", err, "upload %s", key)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploaded %s\n", key)
		report.Uploaded = append(report.Uploaded, key)
	}
	return nil
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// fail shows the log of the invocation behind a build failure.
func (p *Pipeline) fail(err error) error {
	if !p.ShowFailures || errors.Is(err, context.Canceled) {
		return err
	}
	var pe *ProcessError
	if errors.As(err, &pe) && (errors.Is(err, ErrUnexpectedBuild) || errors.Is(err, ErrConfigureFailed)) {
		showFailureLog(pe.Result)
	}
	return err
}
