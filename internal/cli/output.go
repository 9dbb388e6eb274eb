package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/roach88/carrier/internal/config"
	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failure, unreachable remote on --once, engine error
	ExitCommandError = 2 // Command error (bad flags, unreadable config, database not found, etc.)
)

// Error codes carried in JSON error envelopes.
const (
	ErrCodeConfig   = "CONFIG"
	ErrCodeInvalid  = "INVALID_MESSAGE"
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeNetwork  = "NETWORK"
	ErrCodeRejected = "REJECTED"
	ErrCodeStopped  = "ENGINE_STOPPED"
	ErrCodeGeneric  = "ERROR"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
	Quiet   bool   // Already reported; Execute prints nothing
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

// ErrorCode classifies err for the JSON error envelope.
func ErrorCode(err error) string {
	switch {
	case config.IsSchemaError(err):
		return ErrCodeConfig
	case engine.IsInvalidMessage(err):
		return ErrCodeInvalid
	case engine.IsStopped(err):
		return ErrCodeStopped
	case store.IsNotFound(err):
		return ErrCodeNotFound
	case remote.IsRejected(err):
		return ErrCodeRejected
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return ErrCodeNetwork
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // ErrCode* value
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Messages writes msgs as a table in text mode, or as a list of canonical
// message maps in JSON mode.
func (f *OutputFormatter) Messages(msgs []model.Message) error {
	if f.Format == "json" {
		list := make([]map[string]any, len(msgs))
		for i, m := range msgs {
			list[i] = m.ToMap()
		}
		return f.Success(list)
	}
	return renderMessages(f.Writer, msgs)
}

// Message writes a single message.
func (f *OutputFormatter) Message(msg model.Message) error {
	if f.Format == "json" {
		return f.Success(msg.ToMap())
	}
	return renderMessages(f.Writer, []model.Message{msg})
}

var (
	confirmedColor = color.New(color.FgGreen)
	pendingColor   = color.New(color.FgYellow)
	failedColor    = color.New(color.FgRed)
	dimColor       = color.New(color.Faint)
)

// statusIndicator returns the glyph shown for a delivery state.
func statusIndicator(s model.Status) string {
	switch s {
	case model.StatusConfirmed:
		return confirmedColor.Sprint("\u2713")
	case model.StatusPending:
		return pendingColor.Sprint("\u23f3")
	case model.StatusFailed:
		return failedColor.Sprint("\u2717")
	default:
		return "?"
	}
}

// renderMessages prints one row per message: indicator, client time,
// identity, content. Failed rows carry their last error.
func renderMessages(w io.Writer, msgs []model.Message) error {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
			statusIndicator(m.Status),
			model.FormatTime(m.ClientCreatedAt),
			m.ID,
			m.OwnerID,
			m.Content,
		)
		if m.Status != model.StatusConfirmed && m.LastError != "" {
			line += "\t" + dimColor.Sprintf("(attempts %d: %s)", m.Attempts, m.LastError)
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}
