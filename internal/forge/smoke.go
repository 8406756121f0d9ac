package forge

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	smokeHarnessPath = "/__wasmforge_smoke.html"
	smokeTimeout     = 90 * time.Second
)

var smokeHarness = template.Must(template.New("smoke").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>wasmforge smoke test</title></head>
<body>
<script type="module">
import factory from "./{{.Loader}}";
const want = {{.Exports}};
factory().then((mod) => {
  const missing = want.filter((name) => typeof mod[name] !== "function");
  window.__wasmforgeStatus = missing.length ? "missing: " + missing.join(",") : "ok";
}).catch((err) => {
  window.__wasmforgeStatus = "error: " + err;
});
</script>
</body>
</html>
`))

// smokeHarnessHTML renders the page that imports the loader and checks that
// every exported symbol is reachable from JavaScript.
func smokeHarnessHTML(loader string, exports ExportSymbols) (string, error) {
	if exports == nil {
		exports = ExportSymbols{}
	}
	var b strings.Builder
	err := smokeHarness.Execute(&b, struct {
		Loader  string
		Exports []string
	}{Loader: loader, Exports: exports})
	return b.String(), err
}

// SmokeTest loads the published module in headless Chrome and waits for the
// harness to report. Console output of the page is echoed when Verbose.
type SmokeTest struct {
	Dir        string // publish directory served as the page origin
	Loader     string // loader file name inside Dir
	Exports    ExportSymbols
	ChromePath string
	Timeout    time.Duration
}

func (s SmokeTest) Run(ctx context.Context) error {
	page, err := smokeHarnessHTML(s.Loader, s.Exports)
	if err != nil {
		return failf(ErrSmokeTest, "smoke", err, "render harness")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return failf(ErrSmokeTest, "smoke", err, "listen")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(smokeHarnessPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	})
	mux.Handle("/", http.FileServer(http.Dir(s.Dir)))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	url := fmt.Sprintf("http://%s%s", ln.Addr(), smokeHarnessPath)
	step("Smoke testing %s at %s", s.Loader, url)

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if s.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(s.ChromePath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = smokeTimeout
	}
	runCtx, cancelRun := context.WithTimeout(browserCtx, timeout)
	defer cancelRun()

	var mu sync.Mutex
	var exceptions []string
	chromedp.ListenTarget(runCtx, func(ev any) {
		switch ev := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			if !Verbose {
				return
			}
			var parts []string
			for _, arg := range ev.Args {
				if arg.Description != "" {
					parts = append(parts, arg.Description)
				} else {
					parts = append(parts, string(arg.Value))
				}
			}
			colNote.Printf("console.%s: %s\n", ev.Type, strings.Join(parts, " "))
		case *runtime.EventExceptionThrown:
			if ev.ExceptionDetails == nil {
				return
			}
			msg := ev.ExceptionDetails.Text
			if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
				msg = ev.ExceptionDetails.Exception.Description
			}
			mu.Lock()
			exceptions = append(exceptions, msg)
			mu.Unlock()
		}
	})

	var status string
	err = chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.Poll(`window.__wasmforgeStatus`, &status, chromedp.WithPollingTimeout(timeout)),
	)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if len(exceptions) > 0 {
			err = errors.Join(err, errors.New(strings.Join(exceptions, "; ")))
		}
		return failf(ErrSmokeTest, "smoke", err, "%s did not load", filepath.Base(s.Loader))
	}
	if status != "ok" {
		return failf(ErrSmokeTest, "smoke", nil, "%s", status)
	}
	step("Smoke test passed")
	return nil
}
