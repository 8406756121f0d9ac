package forge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

// BuildLog hands out per-invocation log files for one run.
type BuildLog struct {
	Dir string

	mu  sync.Mutex
	seq int
}

func newBuildLog(baseDir string) (*BuildLog, error) {
	dir := filepath.Join(baseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
	}
	return &BuildLog{Dir: dir}, nil
}

// Path returns a fresh log file path for label.
func (l *BuildLog) Path(label string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	name := strings.NewReplacer("/", "_", " ", "_").Replace(label)
	return filepath.Join(l.Dir, fmt.Sprintf("%02d-%s.log", l.seq, name))
}

// Archive compresses every .log file in the run directory to .log.xz and
// removes the originals.
func (l *BuildLog) Archive() error {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		src := filepath.Join(l.Dir, e.Name())
		if err := compressXZ(src, src+".xz"); err != nil {
			return fmt.Errorf("archive %s: %w", e.Name(), err)
		}
		if err := os.Remove(src); err != nil {
			return err
		}
	}
	return nil
}

// compressXZ compresses a file using XZ
func compressXZ(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		return err
	}
	return xzWriter.Close()
}
