package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

const (
	passTitleFmt = "📣 Reminder pass (%s) %s"
	passCountFmt = "• Checked: %d\n• Sent: %d\n• Took: %s"
	errorsFmt    = "⚠️ Errors: %d"
)

// summaryText renders counts only; summaries never carry user data.
func summaryText(s reminder.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, passTitleFmt, s.Trigger, s.Timestamp.UTC().Format("2006-01-02 15:04 MST"))
	b.WriteString("\n")
	fmt.Fprintf(&b, passCountFmt, s.Checked, s.Sent, s.Duration.Round(time.Millisecond))

	var skipped []string
	for _, reason := range s.Reasons() {
		if reason == reminder.ReasonError {
			continue
		}
		skipped = append(skipped, fmt.Sprintf("%s=%d", reason, s.Skipped[reason]))
	}
	if len(skipped) > 0 {
		b.WriteString("\n• Skipped: ")
		b.WriteString(strings.Join(skipped, ", "))
	}
	if n := s.Errors(); n > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, errorsFmt, n)
	}
	return b.String()
}
