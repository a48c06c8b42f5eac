package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/helix-labs/helix-go/internal/platform/auth"
)

// AuthDeny records a rejected request from the auth middleware.
func (r *Recorder) AuthDeny(ctx context.Context, event auth.DenyEvent) error {
	actor := strings.TrimSpace(event.Subject)
	if actor == "" {
		actor = "anonymous"
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	_, err := r.Record(ctx, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Detail: map[string]any{
			"status": event.Status,
			"reason": event.Reason,
			"error":  event.Error,
			"email":  event.Email,
			"roles":  event.Roles,
		},
	})
	return err
}

// InstanceAction records a state-changing instance operation; action is
// "instance.submit" or "instance.cancel".
func (r *Recorder) InstanceAction(ctx context.Context, action, instanceID, actor, requestID string, detail map[string]any) error {
	_, err := r.Record(ctx, Event{
		Actor:        actor,
		Action:       action,
		ResourceType: "experiment_instance",
		ResourceID:   instanceID,
		RequestID:    requestID,
		Detail:       detail,
	})
	return err
}

// TemplateCreated records a catalog registration.
func (r *Recorder) TemplateCreated(ctx context.Context, templateID, actor, requestID string) error {
	_, err := r.Record(ctx, Event{
		Actor:        actor,
		Action:       "template.create",
		ResourceType: "experiment_template",
		ResourceID:   templateID,
		RequestID:    requestID,
	})
	return err
}
