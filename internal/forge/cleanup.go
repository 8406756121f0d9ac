package forge

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// findLeftoverWorkspaces lists build and cache dirs under root that a run
// kept or failed to remove. keep is never listed.
func findLeftoverWorkspaces(root, keep string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	keep = filepath.Clean(keep)
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !isWorkspaceDirName(name) {
			continue
		}
		p := filepath.Join(root, name)
		if p == keep {
			continue
		}
		dirs = append(dirs, p)
	}
	return dirs, nil
}

// isWorkspaceDirName matches the names os.MkdirTemp gives workspace dirs:
// a workspace prefix followed by the random digits only.
func isWorkspaceDirName(name string) bool {
	for _, prefix := range []string{buildDirPrefix, cacheDirPrefix} {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || rest == "" {
			continue
		}
		if strings.Trim(rest, "0123456789") == "" {
			return true
		}
	}
	return false
}

func handleCleanCommand(args []string, s Settings) error {
	cleanCmd := flag.NewFlagSet("clean", flag.ExitOnError)
	cleanWorkspaces := cleanCmd.Bool("workspaces", false, "Remove leftover _build<digits>/cache<digits> workspaces under the root.")
	cleanLogs := cleanCmd.Bool("logs", false, "Remove archived build logs.")
	cleanCache := cleanCmd.Bool("cache", false, "Remove the persistent generator cache (WASMFORGE_CACHE_DIR).")
	cleanAll := cleanCmd.Bool("all", false, "workspaces, logs and cache.")
	yes := cleanCmd.Bool("y", false, "Do not ask for confirmation.")

	if err := cleanCmd.Parse(args); err != nil {
		return err
	}

	if !*cleanWorkspaces && !*cleanLogs && !*cleanCache && !*cleanAll {
		fmt.Println("Usage: wasmforge clean [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanCmd.PrintDefaults()
		return nil
	}
	if *cleanAll {
		*cleanWorkspaces = true
		*cleanLogs = true
		*cleanCache = true
	}

	// Holding the root lock keeps a running build from losing its workspace.
	alloc, err := NewAllocator(s.Root, "", true)
	if err != nil {
		return err
	}
	defer alloc.Release()

	confirm := func(format string, a ...any) bool {
		return *yes || askForConfirmation(colArrow, format, a...)
	}

	var errs []error
	if *cleanWorkspaces {
		dirs, err := findLeftoverWorkspaces(s.Root, s.CacheDir)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", s.Root, err)
		}
		if len(dirs) == 0 {
			colArrow.Print("-> ")
			colSuccess.Println("No leftover workspaces.")
		} else {
			for _, d := range dirs {
				fmt.Printf("  %s\n", d)
			}
			if confirm("Remove %d workspace(s)?", len(dirs)) {
				for _, d := range dirs {
					debugf("Removing workspace %s\n", d)
					if err := os.RemoveAll(d); err != nil {
						errs = append(errs, fmt.Errorf("failed to remove %s: %w", d, err))
					}
				}
				colArrow.Print("-> ")
				colSuccess.Println("Workspaces removed.")
			}
		}
	}

	if *cleanLogs {
		errs = append(errs, removeDirConfirmed("build logs", s.LogDir, confirm))
	}
	if *cleanCache {
		if s.CacheDir == "" {
			colArrow.Print("-> ")
			colNote.Println("WASMFORGE_CACHE_DIR is not set; nothing to remove.")
		} else {
			errs = append(errs, removeDirConfirmed("generator cache", s.CacheDir, confirm))
		}
	}
	return errors.Join(errs...)
}

func removeDirConfirmed(what, dir string, confirm func(string, ...any) bool) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	colArrow.Print("-> ")
	cPrintf(colWarn, "Deleting %s at %s.\n", what, dir)
	if !confirm("Are you sure you want to proceed?") {
		colArrow.Print("-> ")
		colSuccess.Printf("Cleanup of %s canceled.\n", what)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", what, err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Removed %s.\n", what)
	return nil
}
