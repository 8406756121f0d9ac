package forge

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: wasmforge [command] [arguments]")
	colSuccess.Println("Without a command, wasmforge runs the full build")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "", "Host phase, cross phase, finalize, publish and compress"},
		{"probe", "", "Check the cross and host toolchains"},
		{"exports", "[file]", "Print the export allow-list as a linker setting"},
		{"verify", "[original] <compressed>", "Check a compressed payload against its original"},
		{"verify", "<release.json> <key.pub>", "Check a signed release manifest and its files"},
		{"clean", "[options]", "Remove leftover workspaces, logs or the generator cache"},
		{"keygen", "[-dir d] [-id name]", "Generate an ed25519 key pair for release signing"},
		{"version, --version", "", "Version information"},
		{"help, -h", "", "Show this help"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/wasmforge.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Stopping the build and cleaning up\n", sig)
			cancel()

			// A second signal skips the cleanup.
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(ExitInterrupted)
			case <-time.After(30 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(ExitInterrupted)
			}
		case <-ctx.Done():
		}
	}()

	code := run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	cmd := "build"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printHelp()
		return ExitOK
	case "version", "--version":
		colSuccess.Printf("wasmforge %s", version)
		fmt.Printf(" (built %s)\n", buildDate)
		return ExitOK
	case "keygen":
		return exitWith(handleKeygenCommand(args))
	case "verify":
		return exitWith(handleVerifyCommand(ctx, args))
	}

	s, err := loadSettings()
	if err != nil {
		return exitWith(err)
	}

	switch cmd {
	case "build", "b":
		return exitWith(handleBuildCommand(ctx, s))
	case "probe":
		return exitWith(handleProbeCommand(ctx, s))
	case "exports":
		return exitWith(handleExportsCommand(args, s))
	case "clean":
		return exitWith(handleCleanCommand(args, s))
	default:
		colArrow.Print("-> ")
		colError.Printf("Unknown command: %s\n", cmd)
		printHelp()
		return ExitConfig
	}
}

// exitWith reports err and maps it to an exit status.
func exitWith(err error) int {
	code := ExitCode(err)
	if err != nil && code != ExitOK {
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
	}
	return code
}

func loadSettings() (Settings, error) {
	path := resolveConfigPath()
	cfg, err := loadConfig(path)
	if err != nil {
		return Settings{}, configErrorf("read %s: %v", path, err)
	}
	s, err := newSettings(cfg)
	if err != nil {
		return s, err
	}
	Debug = s.Debug
	Verbose = s.Verbose
	debugf("config: %s, root: %s, manifest: %q\n", path, s.Root, s.ManifestPath)
	return s, nil
}

func loadManifest(s Settings) (Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Manifest{}, configErrorf("cannot determine working directory: %v", err)
	}
	return LoadManifest(s.ManifestPath, wd)
}

func handleBuildCommand(ctx context.Context, s Settings) error {
	m, err := loadManifest(s)
	if err != nil {
		return err
	}
	p, err := NewPipeline(s, m)
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := p.Run(ctx)
	report.Print()
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	if report.Severity() == SeverityDegraded {
		colWarn.Printf("Build finished with warnings in %s\n", time.Since(start).Round(time.Second))
	} else {
		colSuccess.Printf("Build finished in %s\n", time.Since(start).Round(time.Second))
	}
	for _, f := range report.Published {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

func handleProbeCommand(ctx context.Context, s Settings) error {
	m, err := loadManifest(s)
	if err != nil {
		return err
	}
	cross, host := newToolchainProbes(m)
	for _, p := range []ToolchainProbe{cross, host} {
		res, err := p.Probe(ctx)
		if err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("%s: %s\n", res.Name, res.Version)
		if res.Home != "" {
			fmt.Printf("   home: %s\n", res.Home)
		}
	}
	return nil
}

func handleExportsCommand(args []string, s Settings) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		m, err := loadManifest(s)
		if err != nil {
			return err
		}
		path = m.Finalize.ExportsFile
	}
	if path == "" {
		return configErrorf("no export list configured")
	}
	syms, err := LoadExportSymbols(path)
	if err != nil {
		return err
	}
	fmt.Println(syms.Setting())
	debugf("%d symbol(s) from %s\n", len(syms), path)
	return nil
}

func handleVerifyCommand(ctx context.Context, args []string) error {
	if len(args) == 2 && strings.HasSuffix(args[0], ".json") {
		return verifyReleaseCommand(args[0], args[1])
	}

	var original, compressed string
	switch len(args) {
	case 1:
		compressed = args[0]
		original = strings.TrimSuffix(compressed, filepath.Ext(compressed))
	case 2:
		original, compressed = args[0], args[1]
	default:
		fmt.Println("Usage: wasmforge verify [original] <compressed>")
		fmt.Println("       wasmforge verify <release.json> <public key>")
		return configErrorf("verify needs a compressed file")
	}
	if err := VerifyCompressed(ctx, original, compressed); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s matches %s\n", filepath.Base(compressed), filepath.Base(original))
	return nil
}

func verifyReleaseCommand(manifestPath, pubPath string) error {
	pub, err := loadPublicKey(pubPath)
	if err != nil {
		return configErrorf("%v", err)
	}
	rel, err := VerifyRelease(manifestPath, pub)
	if err != nil {
		return fmt.Errorf("verify release: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s (revision %s): signature and %d file(s) OK\n", rel.Module, rel.Revision, len(rel.Files))
	return nil
}

func handleKeygenCommand(args []string) error {
	keygenCmd := flag.NewFlagSet("keygen", flag.ExitOnError)
	dir := keygenCmd.String("dir", ".", "Directory to write the key pair to.")
	id := keygenCmd.String("id", "wasmforge", "Key name; files are <id>.key and <id>.pub.")
	if err := keygenCmd.Parse(args); err != nil {
		return err
	}

	privPath, pubPath, err := GenerateKeyPair(*dir, *id)
	if err != nil {
		return failf(ErrConfig, "keygen", err, "")
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Private key: %s\n", privPath)
	colArrow.Print("-> ")
	colSuccess.Printf("Public key:  %s\n", pubPath)
	fmt.Printf("Set WASMFORGE_SIGNING_KEY=%s to sign releases.\n", privPath)
	return nil
}
