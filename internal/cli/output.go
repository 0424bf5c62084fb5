package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ykvlv/symptom-reminder/internal/domain"
	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but the operation failed
	ExitCommandError = 2 // bad flags, config or startup
)

// ExitError carries an exit code alongside an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// NewExitError creates an ExitError.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err, ExitFailure by default.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, format string, s reminder.Summary) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "status:  %s\ntrigger: %s\nchecked: %d\nsent:    %d\n", s.Status, s.Trigger, s.Checked, s.Sent)
	for _, r := range s.Reasons() {
		fmt.Fprintf(w, "  %-22s %d\n", r, s.Skipped[r])
	}
	return nil
}

type ledgerView struct {
	Date     string `json:"local_date"`
	SentAt   string `json:"sent_at"`
	Success  bool   `json:"success"`
	Notified int    `json:"subscriptions_notified"`
}

func printLedger(w io.Writer, format string, rows []domain.LedgerEntry) error {
	views := make([]ledgerView, 0, len(rows))
	for _, r := range rows {
		views = append(views, ledgerView{
			Date:     r.LocalDate.String(),
			SentAt:   r.SentAt.UTC().Format("2006-01-02T15:04:05Z"),
			Success:  r.Success,
			Notified: r.SubscriptionsNotified,
		})
	}
	if format == "json" {
		return writeJSON(w, views)
	}
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no reminders recorded")
		return err
	}
	var b strings.Builder
	for _, v := range views {
		fmt.Fprintf(&b, "%s  %s  success=%t  notified=%d\n", v.Date, v.SentAt, v.Success, v.Notified)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printPreference(w io.Writer, format string, p *domain.Preference) error {
	if format == "json" {
		return writeJSON(w, map[string]any{
			"enabled":     p.Enabled,
			"time_of_day": domain.FormatClock(p.TimeOfDayM),
			"timezone":    p.TZ,
		})
	}
	_, err := fmt.Fprintf(w, "enabled: %t\ntime:    %s\ntz:      %s\n", p.Enabled, domain.FormatClock(p.TimeOfDayM), p.TZ)
	return err
}
