package forge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// failureLogBytes is how much of a failing log is shown.
const failureLogBytes = 32 << 10

// failureTitle names the invocation and how it ended.
func failureTitle(res BuildResult) string {
	if res.TimedOut {
		return fmt.Sprintf("%s: timed out after %s", res.Label, res.Duration.Round(time.Second))
	}
	return fmt.Sprintf("%s: exit status %d", res.Label, res.ExitCode)
}

func failureFooter(res BuildResult, shown int) string {
	return fmt.Sprintf("last %d lines of %s | up/down, PgUp/PgDn, Home/End scroll | q or Esc quits", shown, res.LogPath)
}

// isErrorLine picks out compiler, make and shell failures in a build log.
func isErrorLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "*** ") || strings.Contains(l, "cannot execute")
}

// highlightFailureLines escapes the log for tview and marks error lines red.
func highlightFailureLines(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		esc := tview.Escape(line)
		if isErrorLine(line) {
			b.WriteString("[red]" + esc + "[-]")
		} else {
			b.WriteString(esc)
		}
	}
	return b.String()
}

// showFailureLog displays the tail of a failed invocation's log: scrollable
// and positioned at the end on a terminal, plain text otherwise.
func showFailureLog(res BuildResult) {
	if res.LogPath == "" {
		return
	}
	tail, err := readTail(res.LogPath, failureLogBytes)
	if err != nil {
		debugf("cannot read %s: %v\n", res.LogPath, err)
		return
	}
	lines := strings.Split(strings.TrimRight(tail, "\n"), "\n")

	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		printFailureLines(res, lines)
		return
	}
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-4 {
		printFailureLines(res, lines)
		return
	}
	if err := runFailurePager(res, lines); err != nil {
		colWarn.Printf("pager: %v\n", err)
		printFailureLines(res, lines)
	}
}

func printFailureLines(res BuildResult, lines []string) {
	colError.Printf("--- %s (%s)\n", failureTitle(res), res.LogPath)
	for _, line := range lines {
		if isErrorLine(line) {
			colError.Println(line)
		} else {
			fmt.Println(line)
		}
	}
}

func runFailurePager(res BuildResult, lines []string) error {
	app := tview.NewApplication()

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	logView.SetBorder(true).SetTitle(" " + tview.Escape(failureTitle(res)) + " ")
	logView.SetText(highlightFailureLines(lines))
	logView.ScrollToEnd()

	footer := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText(failureFooter(res, len(lines)))

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(logView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(layout, true).SetFocus(logView).Run(); err != nil {
		return fmt.Errorf("failure log viewer: %w", err)
	}
	return nil
}
