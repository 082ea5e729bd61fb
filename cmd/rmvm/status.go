package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	successStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Green)
	failureStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	labelStyle   = ansi.Style{}.Faint()
)

func styled(w io.Writer, style ansi.Style, s string) string {
	if !isTerminal(w) {
		return s
	}
	return style.Styled(s)
}

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, styled(w, successStyle, msg))
}

// printField writes "label: value" with the label padded to width.
func printField(w io.Writer, width int, label, value string) {
	pad := width - ansi.StringWidth(label)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(w, "%s:%*s %s\n", styled(w, labelStyle, label), pad, "", value)
}
