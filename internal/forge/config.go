package forge

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultConfigFile = "/etc/wasmforge.conf"
	defaultJobs       = 8
	defaultTimeout    = 2 * time.Hour
)

// Config holds raw KEY=VALUE settings from the config file and environment.
type Config struct {
	Values map[string]string
}

// Load a KEY=VALUE config file and apply WASMFORGE_* env overrides.
// A missing file is not an error; the environment and defaults still apply.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge WASMFORGE_* and R2_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "WASMFORGE_") || strings.HasPrefix(env, "R2_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// resolveConfigPath picks the first existing config file in search order.
func resolveConfigPath() string {
	if p := os.Getenv("WASMFORGE_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"wasmforge.conf", defaultConfigFile} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}

// Settings is the typed view of Config used by the pipeline.
type Settings struct {
	Root            string
	ManifestPath    string
	PublishDir      string
	LogDir          string
	Jobs            int
	Timeout         time.Duration
	KeepWorkspaces  bool
	CacheDir        string
	Compressor      string
	SourceRevision  string
	Smoke           bool
	ChromePath      string
	SigningKeyPath  string
	PublishCompress bool
	Debug           bool
	Verbose         bool
	R2              R2Settings
}

// R2Settings configures the optional remote publish step.
type R2Settings struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// Enabled reports whether remote publishing was configured at all.
func (r R2Settings) Enabled() bool {
	return r.AccountID != "" || r.AccessKey != "" || r.Bucket != ""
}

func newSettings(cfg *Config) (Settings, error) {
	s := Settings{
		Jobs:       0,
		Timeout:    defaultTimeout,
		Compressor: "brotli",
	}

	wd, err := os.Getwd()
	if err != nil {
		return s, configErrorf("cannot determine working directory: %v", err)
	}

	s.Root = cfg.Values["WASMFORGE_ROOT"]
	if s.Root == "" {
		s.Root = wd
	}
	if s.Root, err = filepath.Abs(s.Root); err != nil {
		return s, configErrorf("WASMFORGE_ROOT: %v", err)
	}

	s.ManifestPath = cfg.Values["WASMFORGE_MANIFEST"]
	if s.ManifestPath == "" {
		for _, candidate := range []string{"wasmforge.yaml", "wasmforge.yml", "wasmforge.toml"} {
			if _, err := os.Stat(filepath.Join(wd, candidate)); err == nil {
				s.ManifestPath = filepath.Join(wd, candidate)
				break
			}
		}
	}

	s.PublishDir = cfg.Values["WASMFORGE_PUBLISH_DIR"]
	s.LogDir = cfg.Values["WASMFORGE_LOG_DIR"]
	if s.LogDir == "" {
		s.LogDir = filepath.Join(s.Root, "logs")
	}
	s.CacheDir = cfg.Values["WASMFORGE_CACHE_DIR"]
	s.SourceRevision = cfg.Values["WASMFORGE_SOURCE_REVISION"]
	s.ChromePath = cfg.Values["WASMFORGE_CHROME"]
	s.SigningKeyPath = cfg.Values["WASMFORGE_SIGNING_KEY"]

	if v := cfg.Values["WASMFORGE_JOBS"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return s, configErrorf("WASMFORGE_JOBS must be a positive integer, got %q", v)
		}
		s.Jobs = n
	}

	if v := cfg.Values["WASMFORGE_TIMEOUT"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return s, configErrorf("WASMFORGE_TIMEOUT must be a positive duration, got %q", v)
		}
		s.Timeout = d
	}

	if v := cfg.Values["WASMFORGE_COMPRESSOR"]; v != "" {
		s.Compressor = strings.ToLower(v)
	}
	if _, err := newCompressor(s.Compressor, nil, nil); err != nil {
		return s, configErrorf("%v", err)
	}

	s.KeepWorkspaces = cfg.Values["WASMFORGE_KEEP"] == "1"
	s.Smoke = cfg.Values["WASMFORGE_SMOKE"] == "1"
	s.PublishCompress = cfg.Values["WASMFORGE_PUBLISH_COMPRESSED"] == "1"
	s.Debug = cfg.Values["WASMFORGE_DEBUG"] == "1"
	s.Verbose = cfg.Values["WASMFORGE_VERBOSE"] == "1"

	s.R2 = R2Settings{
		AccountID: cfg.Values["R2_ACCOUNT_ID"],
		AccessKey: cfg.Values["R2_ACCESS_KEY_ID"],
		SecretKey: cfg.Values["R2_SECRET_ACCESS_KEY"],
		Bucket:    cfg.Values["R2_BUCKET_NAME"],
		Prefix:    strings.Trim(cfg.Values["R2_PREFIX"], "/"),
	}

	return s, nil
}

func configErrorf(format string, a ...any) error {
	return &PipelineError{Kind: ErrConfig, Stage: "config", Msg: fmt.Sprintf(format, a...)}
}
