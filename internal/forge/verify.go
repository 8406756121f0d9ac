package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"lukechampine.com/blake3"
)

// openDecompressed returns a reader over the decompressed content of path,
// picking the codec from its extension.
func openDecompressed(ctx context.Context, path string) (io.ReadCloser, error) {
	if strings.HasSuffix(path, ".br") {
		cmd := exec.CommandContext(ctx, "brotli", "-d", "-c", path)
		cmd.Stderr = io.Discard
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start brotli: %w", err)
		}
		return cmdReader{ReadCloser: out, cmd: cmd}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	case ".xz":
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		return readCloser{Reader: xr, close: f.Close}, nil
	case ".gz":
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return readCloser{Reader: gz, close: func() error { gz.Close(); return f.Close() }}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported compressed file: %s", path)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

type cmdReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c cmdReader) Close() error {
	c.ReadCloser.Close()
	return c.cmd.Wait()
}

// VerifyCompressed checks that compressed decompresses to exactly original.
func VerifyCompressed(ctx context.Context, original, compressed string) error {
	want, err := hashFile(original)
	if err != nil {
		return fmt.Errorf("hash %s: %w", original, err)
	}

	rc, err := openDecompressed(ctx, compressed)
	if err != nil {
		return err
	}
	h := blake3.New(32, nil)
	_, copyErr := io.Copy(h, rc)
	closeErr := rc.Close()
	if copyErr != nil {
		return fmt.Errorf("decompress %s: %w", compressed, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("decompress %s: %w", compressed, closeErr)
	}

	if got := fmt.Sprintf("%x", h.Sum(nil)); got != want {
		return fmt.Errorf("%s does not decompress to %s", filepath.Base(compressed), filepath.Base(original))
	}
	return nil
}
