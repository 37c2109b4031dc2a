package reminder

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"progenycal/internal/model"
)

// Message is one reminder rendered for both channels.
type Message struct {
	Subject     string
	HTML        string
	PushTitle   string
	PushBody    string
	Link        string
	CollapseKey string
}

var emailTemplate = template.Must(template.New("reminder").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hi {{.Recipient}},</p>
<p>This is a reminder for {{.Progeny}}: <strong>{{.Title}}</strong></p>
<p>When: {{.When}}{{if .Location}}<br>Where: {{.Location}}{{end}}</p>
{{- if .Notes}}
<p>{{.Notes}}</p>
{{- end}}
<p><a href="{{.Link}}">Open in calendar</a></p>
</body>
</html>
`))

type emailData struct {
	Recipient string
	Progeny   string
	Title     string
	When      string
	Location  string
	Notes     string
	Link      string
}

func composeMessage(r model.CalendarReminder, item model.CalendarItem, user model.User,
	progeny model.Progeny, baseURL string, loc *time.Location,
) (Message, error) {
	when := formatWhen(item, loc)
	link := eventLink(baseURL, item.EventID, progeny.ID)

	recipient := user.DisplayName
	if recipient == "" {
		recipient = user.Email
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailData{
		Recipient: recipient,
		Progeny:   progeny.DisplayName(),
		Title:     item.Title,
		When:      when,
		Location:  item.Location,
		Notes:     item.Notes,
		Link:      link,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render reminder email: %w", err)
	}

	return Message{
		Subject:     fmt.Sprintf("Reminder: %s (%s)", item.Title, progeny.DisplayName()),
		HTML:        buf.String(),
		PushTitle:   "Reminder: " + item.Title,
		PushBody:    progeny.DisplayName() + ", " + when,
		Link:        link,
		CollapseKey: "calendar-reminder-" + strconv.FormatInt(r.ID, 10),
	}, nil
}

// formatWhen renders the instance's start in loc; all-day items show the
// date only.
func formatWhen(item model.CalendarItem, loc *time.Location) string {
	if item.StartTime == nil {
		return ""
	}
	start := item.StartTime.In(loc)
	if item.AllDay {
		return start.Format("Monday, January 2, 2006")
	}
	s := start.Format("Monday, January 2, 2006 15:04")
	if item.EndTime != nil {
		end := item.EndTime.In(loc)
		if end.YearDay() == start.YearDay() && end.Year() == start.Year() {
			s += " - " + end.Format("15:04")
		}
	}
	return s + " " + start.Format("MST")
}

func eventLink(baseURL string, eventID, progenyID int64) string {
	q := url.Values{}
	q.Set("eventId", strconv.FormatInt(eventID, 10))
	q.Set("childId", strconv.FormatInt(progenyID, 10))
	return strings.TrimRight(baseURL, "/") + "/calendar?" + q.Encode()
}
