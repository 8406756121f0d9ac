package forge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writePayload(t *testing.T) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("\x00asm\x01\x00\x00\x00 module body "), 4096)
	path := filepath.Join(t.TempDir(), "module.wasm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestStreamCompressorsKeepOriginal(t *testing.T) {
	for _, name := range []string{"zstd", "xz", "gzip"} {
		t.Run(name, func(t *testing.T) {
			payload, data := writePayload(t)
			c, err := newCompressor(name, nil, nil)
			if err != nil {
				t.Fatalf("compressor: %v", err)
			}
			dst, err := PostProcess(context.Background(), c, payload)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if filepath.Dir(dst) != filepath.Dir(payload) || !strings.HasPrefix(filepath.Base(dst), "module.wasm.") {
				t.Fatalf("sibling not next to payload: %s", dst)
			}
			got, err := os.ReadFile(payload)
			if err != nil || !bytes.Equal(got, data) {
				t.Fatalf("original payload modified")
			}
			info, err := os.Stat(dst)
			if err != nil {
				t.Fatalf("stat sibling: %v", err)
			}
			if info.Size() >= int64(len(data)) {
				t.Fatalf("%s did not shrink the payload: %d >= %d", name, info.Size(), len(data))
			}
			if err := VerifyCompressed(context.Background(), payload, dst); err != nil {
				t.Fatalf("verify: %v", err)
			}
			if fileExists(dst + ".tmp") {
				t.Fatalf("temporary file left behind")
			}
		})
	}
}

func TestVerifyCompressedDetectsMismatch(t *testing.T) {
	payload, _ := writePayload(t)
	c, _ := newCompressor("zstd", nil, nil)
	dst, err := c.Compress(context.Background(), payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := os.WriteFile(payload, []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyCompressed(context.Background(), payload, dst); err == nil {
		t.Fatalf("expected a mismatch")
	}
}

func TestNewCompressorNames(t *testing.T) {
	for _, name := range []string{"none", ""} {
		c, err := newCompressor(name, nil, nil)
		if err != nil || c != nil {
			t.Fatalf("%q: expected no compressor, got %v, %v", name, c, err)
		}
	}
	if _, err := newCompressor("lz4", nil, nil); err == nil {
		t.Fatalf("expected an error for an unknown codec")
	}
}

func TestPostProcessDisabled(t *testing.T) {
	dst, err := PostProcess(context.Background(), nil, "module.wasm")
	if err != nil || dst != "" {
		t.Fatalf("unexpected result %q, %v", dst, err)
	}
}

type brokenCompressor struct{}

func (brokenCompressor) Name() string { return "broken" }
func (brokenCompressor) Compress(context.Context, string) (string, error) {
	return "", errors.New("codec exploded")
}

func TestPostProcessFailureIsDegraded(t *testing.T) {
	payload, _ := writePayload(t)
	_, err := PostProcess(context.Background(), brokenCompressor{}, payload)
	if !errors.Is(err, ErrCompression) {
		t.Fatalf("expected ErrCompression, got %v", err)
	}
	if SeverityOf(err) != SeverityDegraded {
		t.Fatalf("compression failure is %s, want degraded", SeverityOf(err))
	}
	if ExitCode(err) != ExitOK {
		t.Fatalf("exit code %d, want 0", ExitCode(err))
	}
	if !fileExists(payload) {
		t.Fatalf("payload removed after a compression failure")
	}
}

// brotliRunner plays the brotli CLI.
type brotliRunner struct{ calls []Command }

func (b *brotliRunner) Run(ctx context.Context, c Command) (BuildResult, error) {
	b.calls = append(b.calls, c)
	for i, a := range c.Args {
		if a == "-o" {
			writeFakeFile(c.Args[i+1], "br")
		}
	}
	return BuildResult{Label: c.Label}, nil
}

func TestBrotliCompressor(t *testing.T) {
	payload, _ := writePayload(t)
	r := &brotliRunner{}
	c, err := newCompressor("brotli", r, nil)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := c.Compress(context.Background(), payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if dst != payload+".br" {
		t.Fatalf("unexpected sibling %s", dst)
	}
	call := r.calls[0]
	if call.Name != "brotli" || call.Dir != filepath.Dir(payload) {
		t.Fatalf("unexpected call %s in %s", call, call.Dir)
	}
	if !slices.Contains(call.Args, "-9") || call.Args[len(call.Args)-1] != "module.wasm" {
		t.Fatalf("unexpected args %v", call.Args)
	}
}
