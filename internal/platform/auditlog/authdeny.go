package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
)

// InsertAuthDeny turns a middleware rejection into an audit row. The actor
// is recorded as anonymous when the request never authenticated.
func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := strings.TrimSpace(event.Subject)
	if actor == "" {
		actor = "anonymous"
	}

	_, err := Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       DenyAction(event.Reason),
		ResourceType: ResourceHTTPRequest,
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           remoteIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	})
	return err
}

func remoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
