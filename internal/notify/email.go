package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// EmailEnqueuer submits an email delivery job. Implemented by the jobs
// client; delivery mechanics are out of scope for this core.
type EmailEnqueuer interface {
	EnqueueEmail(ctx context.Context, to, subject, body string) error
}

// RecipientResolver maps a group id to the addresses that should hear about
// a share milestone. Backed by the identity provider in production.
type RecipientResolver interface {
	GroupAddresses(ctx context.Context, groupID string) ([]string, error)
}

// EmailNotifier turns lifecycle events into queued email jobs for the
// requesting group and the dataset owners.
type EmailNotifier struct {
	enqueuer  EmailEnqueuer
	resolver  RecipientResolver
	logger    *slog.Logger
	ownerOf   func(ctx context.Context, datasetID string) (string, error)
}

// NewEmailNotifier constructs an EmailNotifier.
func NewEmailNotifier(enqueuer EmailEnqueuer, resolver RecipientResolver, ownerOf func(ctx context.Context, datasetID string) (string, error), logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{enqueuer: enqueuer, resolver: resolver, ownerOf: ownerOf, logger: logger}
}

var subjects = map[LifecycleKind]string{
	ShareSubmitted:          "Share request submitted for %s",
	ShareApproved:           "Share request approved for %s",
	ShareRejected:           "Share request rejected for %s",
	ShareRevoked:            "Share revoke requested for %s",
	ShareProcessed:          "Share request processed for %s",
	ShareExtensionRequested: "Share extension requested for %s",
	ShareExtensionApproved:  "Share extension approved for %s",
	ShareExtensionRejected:  "Share extension rejected for %s",
}

// NotifyLifecycle queues one email per recipient group. Delivery errors are
// logged and swallowed; a failed notification never fails the share run.
func (n *EmailNotifier) NotifyLifecycle(ctx context.Context, event LifecycleEvent) error {
	groups := []string{event.GroupID}
	if n.ownerOf != nil {
		owner, err := n.ownerOf(ctx, event.DatasetID)
		if err != nil {
			n.logger.Warn("resolve dataset owner group", slog.String("dataset", event.DatasetID), slog.Any("error", err))
		} else if owner != "" && owner != event.GroupID {
			groups = append(groups, owner)
		}
	}

	subject := fmt.Sprintf(subjects[event.Kind], event.DatasetName)
	body := fmt.Sprintf("User %s performed %s on share %s for dataset %s (principal %s).",
		event.Actor, event.Kind, event.ShareID, event.DatasetName, event.PrincipalID)

	for _, group := range groups {
		addresses, err := n.resolver.GroupAddresses(ctx, group)
		if err != nil {
			n.logger.Warn("resolve notification recipients", slog.String("group", group), slog.Any("error", err))
			continue
		}
		for _, to := range addresses {
			if err := n.enqueuer.EnqueueEmail(ctx, to, subject, body); err != nil {
				n.logger.Warn("enqueue notification email", slog.String("to", to), slog.Any("error", err))
			}
		}
	}
	return nil
}
