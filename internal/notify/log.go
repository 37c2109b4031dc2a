package notify

import (
	"context"

	appLog "progenycal/internal/log"
)

// LogMailer stands in for SMTPMailer when no relay is configured.
type LogMailer struct{}

func (LogMailer) SendEmail(_ context.Context, to, subject, _ string) error {
	appLog.Info("notify: email (smtp disabled)", "to", to, "subject", subject)
	return nil
}

// LogPusher stands in for HTTPPusher when no gateway is configured.
type LogPusher struct{}

func (LogPusher) SendPush(_ context.Context, userID, title, _, link, collapseKey string) error {
	appLog.Info("notify: push (gateway disabled)", "user_id", userID, "title", title, "link", link, "collapse_key", collapseKey)
	return nil
}
