// Package casestore owns the authoritative support-case state in the
// bot_cases table. Rows are keyed (pk, sk); card_msg_id-index resolves
// card interactions back to a case and status-type-index backs the
// refresh worklist. Closure is a status transition, never a delete.
package casestore

import "time"

// Case statuses. A case is born new, opens once validated, and only ever
// leaves the refresh worklist by moving to closed.
const (
	StatusNew     = "new"
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Case is one bot_cases row. Version backs compare-and-swap updates;
// LastContentHash is the cheap reply-dedup marker, not a content history.
type Case struct {
	PK              string   `dynamodbav:"pk"`
	SK              string   `dynamodbav:"sk"`
	Status          string   `dynamodbav:"status"`
	Type            string   `dynamodbav:"type"`
	CardMsgID       string   `dynamodbav:"card_msg_id,omitempty"`
	Title           string   `dynamodbav:"title,omitempty"`
	Content         string   `dynamodbav:"content,omitempty"`
	SevCode         string   `dynamodbav:"sev_code,omitempty"`
	ServiceCode     string   `dynamodbav:"service_code,omitempty"`
	AccountKey      string   `dynamodbav:"account_key,omitempty"`
	UserID          string   `dynamodbav:"user_id,omitempty"`
	ChannelID       string   `dynamodbav:"channel_id,omitempty"`
	LastContentHash string   `dynamodbav:"last_content_hash,omitempty"`
	Attachments     []string `dynamodbav:"attachments,omitempty"`
	Version         int64    `dynamodbav:"version"`
	UpdatedAt       string   `dynamodbav:"updated_at"`
}

// Active reports whether the case still belongs on the refresh worklist.
func (c *Case) Active() bool {
	return c.Status != StatusClosed
}

// Touch bumps the version and refreshes the modification timestamp.
// Callers mutate the row, Touch it, then hand it to UpdateCAS.
func (c *Case) Touch(now time.Time) {
	c.Version++
	c.UpdatedAt = now.UTC().Format(time.RFC3339)
}
