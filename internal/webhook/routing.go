package webhook

import (
	"strings"

	"worksnotify/internal/compose"
	"worksnotify/internal/dispatch"
)

// Routes decide who hears about an event.
type Routes struct {
	// ChannelID receives every notification when set.
	ChannelID string
	// Recipients maps an event type (or "*" for all) to email addresses.
	Recipients map[string][]string
}

// Targets returns the channel and the de-duplicated user list for t. The
// record's manager_email and notify_emails fields are added to the
// configured recipients.
func (r Routes) Targets(t compose.EventType, rec Record) (string, []string) {
	var emails []string
	emails = append(emails, r.Recipients[string(t)]...)
	emails = append(emails, r.Recipients["*"]...)
	if rec != nil {
		if m := rec.Str("manager_email"); m != "" {
			emails = append(emails, m)
		}
		emails = append(emails, rec.List("notify_emails")...)
	}
	return strings.TrimSpace(r.ChannelID), dispatch.NormalizeEmails(emails)
}
