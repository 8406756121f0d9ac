package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"
)

const generatorManifestName = "generators.json"

// hashFile returns the hex BLAKE3-256 digest of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// GeneratorCache records which library revision produced the cached
// generator binaries and their digests.
type GeneratorCache struct {
	Revision  string            `json:"revision"`
	CreatedAt time.Time         `json:"created_at"`
	Artifacts map[string]string `json:"artifacts"` // name -> blake3
}

func writeGeneratorCache(cacheDir, revision string, gens []GeneratorArtifact) (GeneratorCache, error) {
	gc := GeneratorCache{
		Revision:  revision,
		CreatedAt: time.Now().UTC(),
		Artifacts: make(map[string]string, len(gens)),
	}
	for _, g := range gens {
		sum, err := hashFile(filepath.Join(cacheDir, g.Name))
		if err != nil {
			return gc, fmt.Errorf("hash %s: %w", g.Name, err)
		}
		gc.Artifacts[g.Name] = sum
	}
	data, err := json.MarshalIndent(gc, "", "  ")
	if err != nil {
		return gc, err
	}
	return gc, os.WriteFile(filepath.Join(cacheDir, generatorManifestName), data, 0o644)
}

func readGeneratorCache(cacheDir string) (GeneratorCache, error) {
	var gc GeneratorCache
	data, err := os.ReadFile(filepath.Join(cacheDir, generatorManifestName))
	if err != nil {
		return gc, err
	}
	if err := json.Unmarshal(data, &gc); err != nil {
		return gc, fmt.Errorf("decode %s: %w", generatorManifestName, err)
	}
	return gc, nil
}

// verifyGeneratorCache checks that every generator in gens is cached, was
// produced from revision, and still matches its recorded digest.
func verifyGeneratorCache(cacheDir, revision string, gens []GeneratorArtifact) error {
	gc, err := readGeneratorCache(cacheDir)
	if err != nil {
		return failf(ErrStaleArtifact, "cache", err, "no usable generator record in %s", cacheDir)
	}
	if gc.Revision != revision {
		return failf(ErrStaleArtifact, "cache", nil, "generators built from revision %s, library is at %s", gc.Revision, revision)
	}
	for _, g := range gens {
		want, ok := gc.Artifacts[g.Name]
		if !ok {
			return failf(ErrStaleArtifact, "cache", nil, "%s is not recorded in the generator cache", g.Name)
		}
		got, err := hashFile(filepath.Join(cacheDir, g.Name))
		if err != nil {
			return failf(ErrMissingArtifact, "cache", err, "%s", g.Name)
		}
		if got != want {
			return failf(ErrStaleArtifact, "cache", nil, "%s digest changed since the host build", g.Name)
		}
	}
	return nil
}

// sourceRevision identifies the library source: the override if given,
// else git HEAD of the source tree, else "unknown".
func sourceRevision(ctx context.Context, override, sourceDir string) string {
	if override != "" {
		return override
	}
	rev, err := captureOutput(ctx, sourceDir, "git", "rev-parse", "HEAD")
	if err != nil || rev == "" {
		debugf("Could not determine source revision of %s: %v\n", sourceDir, err)
		return "unknown"
	}
	return rev
}
