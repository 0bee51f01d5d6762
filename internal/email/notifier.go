package email

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"slices"

	"go.uber.org/zap"

	"boilermate/api/internal/store"
)

type recipientDirectory interface {
	ListUserEmails(ctx context.Context, userIDs []string) ([]string, error)
}

// Notifier mails the electorate of a merge request. Delivery is best effort:
// failures are logged and never reach the caller.
type Notifier struct {
	mail  *Service
	users recipientDirectory
	log   *zap.Logger
}

func NewNotifier(mail *Service, users recipientDirectory, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mail: mail, users: users, log: logger}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.mail != nil && n.mail.IsConfigured()
}

type notification struct {
	AppName        string
	MergeRequestID int64
	Headline       string
	Message        string
}

// MergeRequestOpened tells everyone in both snapshots except the initiator
// that a merge was proposed.
func (n *Notifier) MergeRequestOpened(ctx context.Context, request store.MergeRequest) {
	recipients := slices.DeleteFunc(participants(request), func(userID string) bool {
		return userID == request.InitiatorUserID
	})
	side, _ := request.Status.ActiveSide()
	n.deliver(ctx, request, recipients, notification{
		Headline: "New merge request",
		Message:  fmt.Sprintf("Someone wants to merge roommate groups with you. The %s group votes first.", sideLabel(side)),
	})
}

// MergeRequestUpdated reports a status change: the side whose turn it is, or
// everyone once the request is closed.
func (n *Notifier) MergeRequestUpdated(ctx context.Context, request store.MergeRequest) {
	switch request.Status {
	case store.StatusAwaitSource, store.StatusAwaitTarget:
		side, _ := request.Status.ActiveSide()
		n.deliver(ctx, request, request.Snapshot(side), notification{
			Headline: "Your vote is needed",
			Message:  "The other group approved the merge. It is your group's turn to vote.",
		})
	case store.StatusMerged:
		n.deliver(ctx, request, participants(request), notification{
			Headline: "Groups merged",
			Message:  "Everyone approved. Your roommate groups are now one group.",
		})
	case store.StatusRejected:
		n.deliver(ctx, request, participants(request), notification{
			Headline: "Merge request rejected",
			Message:  "The merge request was declined. Both groups stay as they are.",
		})
	}
}

func (n *Notifier) deliver(ctx context.Context, request store.MergeRequest, userIDs []string, note notification) {
	if !n.Enabled() || len(userIDs) == 0 {
		return
	}
	log := n.log.With(zap.Int64("merge_request_id", request.ID), zap.String("status", string(request.Status)))

	to, err := n.users.ListUserEmails(ctx, userIDs)
	if err != nil {
		log.Warn("resolve notification recipients", zap.Error(err))
		return
	}

	note.AppName = "Boilermate"
	note.MergeRequestID = request.ID
	html, err := renderTemplate(notificationTemplate, note)
	if err != nil {
		log.Error("render notification", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s: %s", note.AppName, note.Headline)
	if err := n.mail.SendHTMLEmail(to, subject, note.Message, html); err != nil && !errors.Is(err, ErrNotConfigured) {
		log.Warn("send notification", zap.Error(err), zap.Int("recipients", len(to)))
		return
	}
	log.Debug("notification sent", zap.Int("recipients", len(to)))
}

func participants(request store.MergeRequest) []string {
	all := slices.Concat(request.SourceSnapshot, request.TargetSnapshot)
	slices.Sort(all)
	return slices.Compact(all)
}

func sideLabel(side store.Side) string {
	if side == store.SideTarget {
		return "receiving"
	}
	return "requesting"
}

var notificationTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Headline}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cfb991; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Headline}}</h2>

    <p>{{.Message}}</p>

    <div class="footer">
        <p>Merge request #{{.MergeRequestID}}</p>
    </div>
</body>
</html>`))
