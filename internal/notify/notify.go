// Package notify is the side channel the sharing core reports into. The core
// guarantees every user-visible lifecycle milestone and every failure is
// reported with complete addressing context; formatting and delivery belong
// to the implementations here, not to the orchestrators.
package notify

import (
	"context"
	"fmt"
	"time"
)

// LifecycleKind names a user-visible share milestone.
type LifecycleKind string

const (
	ShareSubmitted          LifecycleKind = "SHARE_SUBMITTED"
	ShareApproved           LifecycleKind = "SHARE_APPROVED"
	ShareRejected           LifecycleKind = "SHARE_REJECTED"
	ShareRevoked            LifecycleKind = "SHARE_REVOKED"
	ShareProcessed          LifecycleKind = "SHARE_PROCESSED"
	ShareExtensionRequested LifecycleKind = "SHARE_EXTENSION_REQUESTED"
	ShareExtensionApproved  LifecycleKind = "SHARE_EXTENSION_APPROVED"
	ShareExtensionRejected  LifecycleKind = "SHARE_EXTENSION_REJECTED"
)

// LifecycleEvent describes one milestone on a share request.
type LifecycleEvent struct {
	Kind        LifecycleKind
	ShareID     string
	DatasetID   string
	DatasetName string
	PrincipalID string
	GroupID     string
	Actor       string
	At          time.Time
}

// FailureEvent carries the full addressing context of a failed grant or
// revoke so operators can locate the resource without reading logs.
type FailureEvent struct {
	ShareID       string
	ItemID        string
	ItemName      string
	DatasetID     string
	SourceAccount string
	SourceRegion  string
	TargetAccount string
	TargetRegion  string
	Operation     string
	Err           error
	At            time.Time
}

// Key identifies a failure for dedupe purposes.
func (e FailureEvent) Key() string {
	return fmt.Sprintf("alarm:%s:%s:%s", e.ShareID, e.ItemID, e.Operation)
}

// Notifier delivers lifecycle milestones to the requesting and approving
// teams.
type Notifier interface {
	NotifyLifecycle(ctx context.Context, event LifecycleEvent) error
}

// AlarmSink receives share processing failures.
type AlarmSink interface {
	ReportShareFailure(ctx context.Context, event FailureEvent) error
}

// NopNotifier drops all events. Used in tests.
type NopNotifier struct{}

func (NopNotifier) NotifyLifecycle(context.Context, LifecycleEvent) error { return nil }

// NopAlarmSink drops all failures. Used in tests.
type NopAlarmSink struct{}

func (NopAlarmSink) ReportShareFailure(context.Context, FailureEvent) error { return nil }
