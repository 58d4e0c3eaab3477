package larkevent

import (
	"errors"
	"strings"
)

// CasePush is a case-change notification pushed off the event bus by the
// support system. The external system is the source of truth for case
// identity; unknown identities create new rows.
type CasePush struct {
	CasePK   string
	CaseSK   string
	Status   string
	Type     string
	Title    string
	Content  string
	SevCode  string
	PushedAt string
}

// BusEvent is the EventBridge envelope wrapping a CasePush.
type BusEvent struct {
	DetailType string         `json:"detail-type"`
	Source     string         `json:"source"`
	Time       string         `json:"time"`
	Detail     map[string]any `json:"detail"`
}

// ParseCasePush extracts a CasePush from the bus envelope. Field names are
// read tolerantly; only the case identity is mandatory.
func (e *BusEvent) ParseCasePush() (*CasePush, error) {
	pk := pickString(e.Detail, "case_pk", "pk", "tenant_id")
	sk := pickString(e.Detail, "case_sk", "sk", "case_id")
	if pk == "" || sk == "" {
		return nil, errors.New("larkevent: case push without case identity")
	}

	return &CasePush{
		CasePK:   pk,
		CaseSK:   sk,
		Status:   strings.ToLower(pickString(e.Detail, "status")),
		Type:     pickString(e.Detail, "type", "case_type"),
		Title:    pickString(e.Detail, "title", "subject"),
		Content:  pickString(e.Detail, "content", "body"),
		SevCode:  pickString(e.Detail, "sev_code", "severity"),
		PushedAt: e.Time,
	}, nil
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
