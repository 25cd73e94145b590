package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (sync refused, scenarios failed, invalid config file)
	ExitCommandError = 2 // Command error (bad flags, database cannot be opened, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// newFormatter creates a formatter writing to the command's stdout.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // model error code, or E_* for CLI errors
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs data as JSON, or text in text mode.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(resp)
}

// Fail reports err and returns it as an ExitError. Classified engine
// errors are reported under their code with ExitFailure; anything else is
// E_COMMAND with ExitCommandError. An err that already carries an exit
// code keeps it.
func (f *OutputFormatter) Fail(message string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		_ = f.Error("E_COMMAND", exitErr.Error(), nil)
		return err
	}

	if code := model.CodeOf(err); code != "" {
		_ = f.Error(string(code), fmt.Sprintf("%s: %v", message, err), nil)
		return WrapExitError(ExitFailure, message, err)
	}
	_ = f.Error("E_COMMAND", fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitCommandError, message, err)
}
