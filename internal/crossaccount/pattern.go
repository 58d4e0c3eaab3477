// Package crossaccount syncs case state with the support system in a
// remote account. It is the only component that crosses a trust boundary:
// the role it assumes must match a fixed name pattern, every call is
// bounded by a short timeout, and failures are never fatal to callers.
package crossaccount

import "strings"

// Only roles named under this pattern may ever be assumed, mirroring the
// IAM policy resource arn:aws:iam::*:role/FeishuSupportCaseApiAll*.
const (
	rolePrefix     = "arn:aws:iam::"
	roleNamePrefix = "role/FeishuSupportCaseApiAll"
)

// RoleAllowed checks a role ARN against the fixed assumption pattern
// before any network call is made.
func RoleAllowed(arn string) bool {
	arn = strings.TrimSpace(arn)
	if !strings.HasPrefix(arn, rolePrefix) {
		return false
	}
	rest := strings.TrimPrefix(arn, rolePrefix)

	account, resource, ok := strings.Cut(rest, ":")
	if !ok {
		return false
	}
	if len(account) != 12 || !allDigits(account) {
		return false
	}
	return strings.HasPrefix(resource, roleNamePrefix)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
