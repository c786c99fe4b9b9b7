// Package jobs holds the asynq task definitions for share processing runs,
// the worker that executes them and the client that enqueues them.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskShareApprove grants every approved item of one share.
	TaskShareApprove = "share:approve"
	// TaskShareRevoke revokes every revoke-approved item of one share.
	TaskShareRevoke = "share:revoke"
	// TaskShareVerify re-checks every live grant of one share.
	TaskShareVerify = "share:verify"
	// TaskShareReapply re-grants the unhealthy items of one share.
	TaskShareReapply = "share:reapply"
	// TaskShareVerifyAll sweeps every active share. Registered on cron.
	TaskShareVerifyAll = "share:verify-all"
	// TaskTypeSendEmail delivers one notification email.
	TaskTypeSendEmail = "mail:send"
)

// ShareRunPayload identifies the share a processing run operates on.
type ShareRunPayload struct {
	ShareID string `json:"share_id"`
}

// NewShareRunTask constructs a share processing task of the given type.
func NewShareRunTask(taskType, shareID string) (*asynq.Task, error) {
	data, err := json.Marshal(ShareRunPayload{ShareID: shareID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// NewVerifyAllTask constructs the cron sweep task.
func NewVerifyAllTask() *asynq.Task {
	return asynq.NewTask(TaskShareVerifyAll, nil)
}

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs a send-email task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}
