package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/putsql/internal/unit"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Invalid input, failed cycle or failed scenario
	ExitCommandError = 2 // Missing files, journal or store not reachable
)

// Error codes reported in JSON error responses.
const (
	ErrCodeConfigNotFound = "E_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "E_CONFIG_INVALID"
	ErrCodeUnitsInvalid   = "E_UNITS_INVALID"
	ErrCodeJournal        = "E_JOURNAL"
	ErrCodeStore          = "E_STORE"
	ErrCodeCycleFailed    = "E_CYCLE_FAILED"
	ErrCodeScenarioFailed = "E_SCENARIO_FAILED"
	ErrCodeUsage          = "E_USAGE"
	ErrCodeInternal       = "E_INTERNAL"
)

// ExitError is a command error carrying the process exit code and the error
// code shown in JSON responses.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Reason  string // one of the ErrCode* values
	Message string
	Err     error

	// rendered is set when the command already printed the error.
	rendered bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// failure is an ExitFailure error: the input or the work itself was bad.
func failure(reason, message string, err error) *ExitError {
	return &ExitError{Code: ExitFailure, Reason: reason, Message: message, Err: err}
}

// commandError is an ExitCommandError error: the command could not run.
func commandError(reason, message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Reason: reason, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorReason returns the error code for err. Errors raised by cobra itself
// (unknown commands, wrong argument counts) are usage errors.
func errorReason(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Reason != "" {
			return exitErr.Reason
		}
		return ErrCodeInternal
	}
	return ErrCodeUsage
}

// Response is the JSON envelope written by every command with --format json.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command in a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printer writes command results in the selected format. Diagnostics go to
// diag so they never mix with JSON on out.
type printer struct {
	json    bool
	out     io.Writer
	diag    io.Writer
	verbose bool
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) *printer {
	return &printer{
		json:    opts.Format == "json",
		out:     cmd.OutOrStdout(),
		diag:    cmd.ErrOrStderr(),
		verbose: opts.Verbose,
	}
}

// result writes data as an ok response, or calls text for the text format.
func (p *printer) result(data any, text func(w io.Writer) error) error {
	if p.json {
		return p.encode(Response{Status: "ok", Data: data})
	}
	return text(p.out)
}

// fail writes err as an error response and marks it rendered. In text mode it
// prints a one-line summary with the error code.
func (p *printer) fail(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.rendered {
			return nil
		}
		exitErr.rendered = true
	}

	reason := errorReason(err)
	if p.json {
		return p.encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: reason, Message: err.Error()},
		})
	}
	fmt.Fprintf(p.out, "Error [%s]: %s\n", reason, err)
	return nil
}

// debugf prints a diagnostic line in verbose mode.
func (p *printer) debugf(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Fprintf(p.diag, format+"\n", args...)
}

func (p *printer) encode(resp Response) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// routeOrder is the order relationships are listed in summaries.
var routeOrder = []unit.Relationship{unit.Success, unit.Failure, unit.Retry, unit.Self}

// formatRouted summarizes per-relationship counts, always naming success,
// failure and retry and naming self only when units were requeued.
func formatRouted(routed map[string]int) string {
	parts := make([]string, 0, len(routeOrder))
	for _, rel := range routeOrder {
		n := routed[string(rel)]
		if rel == unit.Self && n == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, rel))
	}
	return strings.Join(parts, ", ")
}
