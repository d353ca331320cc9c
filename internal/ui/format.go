package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"

	apperrors "stagegate/pkg/errors"
)

var (
	// Out receives all status output.
	Out io.Writer = os.Stdout

	supportsColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	ColorSuccess  = colorFunc(ansi.Green)
	ColorError    = colorFunc(ansi.Red)
	ColorWarning  = colorFunc(ansi.Yellow)
	ColorInfo     = colorFunc(ansi.Cyan)
	ColorProgress = colorFunc(ansi.Blue)
	ColorBold     = colorFunc("default+b")
	ColorDim      = colorFunc("default+h")
)

// SetColor overrides terminal detection.
func SetColor(enabled bool) {
	supportsColor = enabled
}

func colorFunc(color string) func(string) string {
	return func(text string) string {
		if supportsColor {
			return ansi.Color(text, color)
		}
		return text
	}
}

// ShowHeader displays a boxed title.
func ShowHeader(title string) {
	width := 50
	if len(title)+4 > width {
		width = len(title) + 4
	}
	padding := (width - len(title) - 2) / 2

	fmt.Fprintln(Out, "\n+"+strings.Repeat("-", width-2)+"+")
	fmt.Fprintf(Out, "|%s%s%s|\n",
		strings.Repeat(" ", padding),
		ColorBold(title),
		strings.Repeat(" ", width-2-padding-len(title)),
	)
	fmt.Fprintln(Out, "+"+strings.Repeat("-", width-2)+"+")
}

// ShowError prints err with its code and any suggestions it carries.
func ShowError(err error) {
	label := "ERROR:"
	if code := apperrors.GetErrorCode(err); code != apperrors.ErrCodeInternal {
		label = fmt.Sprintf("ERROR [%s]:", code)
	}
	lines := strings.Split(err.Error(), "\n")
	fmt.Fprintf(Out, "%s %s\n", ColorError(label), lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(Out, "  %s\n", ColorDim(line))
	}

	for _, s := range suggestions(err) {
		fmt.Fprintf(Out, "  %s %s\n", ColorInfo("TIP:"), s)
	}
}

func ShowSuccess(message string) {
	fmt.Fprintf(Out, "%s %s\n", ColorSuccess("SUCCESS:"), message)
}

func ShowWarning(message string) {
	fmt.Fprintf(Out, "%s %s\n", ColorWarning("WARNING:"), message)
}

func ShowInfo(message string) {
	fmt.Fprintf(Out, "%s %s\n", ColorInfo("INFO:"), message)
}

// PrintSection prints a section header.
func PrintSection(title string) {
	fmt.Fprintf(Out, "\n%s %s\n", ColorBold(">"), ColorBold(title))
	fmt.Fprintln(Out, strings.Repeat("-", 50))
}

// PrintKeyValue prints an aligned key and value.
func PrintKeyValue(key, value string) {
	fmt.Fprintf(Out, "  %-20s %s\n", ColorDim(key+":"), value)
}

// suggestions returns the error's own suggestions, else a hint by error code.
func suggestions(err error) []string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && len(appErr.Suggestions) > 0 {
		return appErr.Suggestions
	}

	switch apperrors.GetErrorCode(err) {
	case apperrors.ErrCodeAuthenticationFailed:
		return []string{"Check warehouse.username and the stored password (stagegate credentials set)"}
	case apperrors.ErrCodeDatasetNotFound:
		return []string{"Check datasets.staging and datasets.production in the configuration"}
	case apperrors.ErrCodeLeaseHeld:
		return []string{"Another live run holds the table; wait for it or check lease.dir"}
	case apperrors.ErrCodeSnapshotNotFound:
		return []string{"List available snapshots with: stagegate snapshot list"}
	case apperrors.ErrCodeBatchQuality:
		return []string{"Too many staging rows are missing key fields; fix the batch or raise run.malformed_threshold"}
	case apperrors.ErrCodeTimeout:
		return []string{"Raise warehouse.query_timeout or narrow --tables"}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return []string{"Verify the warehouse DSN and network connectivity"}
	case strings.Contains(lower, "permission denied"):
		return []string{"Ensure the warehouse role can read staging and write production"}
	}
	return nil
}
