package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// Compressor writes a compressed sibling of a file and leaves the original
// untouched.
type Compressor interface {
	Name() string
	// Compress returns the path of the compressed sibling.
	Compress(ctx context.Context, src string) (string, error)
}

// newCompressor returns the named codec; "none" yields a nil Compressor.
func newCompressor(name string, r Runner, log *BuildLog) (Compressor, error) {
	switch name {
	case "brotli", "br":
		return &brotliCompressor{runner: r, quality: 9, log: log}, nil
	case "zstd", "zst":
		return streamCompressor{name: "zstd", ext: ".zst", wrap: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		}}, nil
	case "xz":
		return streamCompressor{name: "xz", ext: ".xz", wrap: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		}}, nil
	case "gzip", "gz":
		return streamCompressor{name: "gzip", ext: ".gz", wrap: func(w io.Writer) (io.WriteCloser, error) {
			return pgzip.NewWriterLevel(w, pgzip.BestCompression)
		}}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown compressor %q (want brotli, zstd, xz, gzip or none)", name)
	}
}

// brotliCompressor shells out to the brotli CLI, which keeps its input.
type brotliCompressor struct {
	runner  Runner
	quality int
	log     *BuildLog
}

func (b *brotliCompressor) Name() string { return "brotli" }

func (b *brotliCompressor) Compress(ctx context.Context, src string) (string, error) {
	dst := src + ".br"
	c := Command{
		Label: "compress-brotli",
		Name:  "brotli",
		Args:  []string{fmt.Sprintf("-%d", b.quality), "-f", "-o", dst, filepath.Base(src)},
		Dir:   filepath.Dir(src),
	}
	if b.log != nil {
		c.LogPath = b.log.Path(c.Label)
	}
	if _, err := b.runner.Run(ctx, c); err != nil {
		return "", err
	}
	if !fileExists(dst) {
		return "", fmt.Errorf("brotli did not produce %s", filepath.Base(dst))
	}
	return dst, nil
}

// streamCompressor compresses in-process with a Go codec.
type streamCompressor struct {
	name string
	ext  string
	wrap func(io.Writer) (io.WriteCloser, error)
}

func (s streamCompressor) Name() string { return s.name }

func (s streamCompressor) Compress(ctx context.Context, src string) (string, error) {
	dst := src + s.ext
	tmp := dst + ".tmp"

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			os.Remove(tmp)
		}
	}()

	zw, err := s.wrap(out)
	if err != nil {
		return "", fmt.Errorf("%s writer: %w", s.name, err)
	}
	if _, err := io.Copy(zw, ctxReader{ctx: ctx, r: in}); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	ok = true
	return dst, nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// PostProcess compresses the payload. Failures come back wrapped in
// ErrCompression, which the pipeline treats as non-fatal.
func PostProcess(ctx context.Context, c Compressor, payload string) (string, error) {
	if c == nil {
		debugf("compression disabled\n")
		return "", nil
	}
	step("Compressing %s with %s", filepath.Base(payload), c.Name())
	dst, err := c.Compress(ctx, payload)
	if err != nil {
		return "", failf(ErrCompression, "compress", err, "%s", filepath.Base(payload))
	}
	return dst, nil
}
