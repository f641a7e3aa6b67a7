package license

import (
	"fmt"
	"strings"

	"github.com/Bakeneko/n8n/internal/license/leadership"
)

// Role is the instance type of a running process.
type Role string

const (
	RoleMain    Role = "main"
	RoleWorker  Role = "worker"
	RoleWebhook Role = "webhook"
)

// ParseRole converts a configuration value into a Role.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case "", RoleMain:
		return RoleMain, nil
	case RoleWorker:
		return RoleWorker, nil
	case RoleWebhook:
		return RoleWebhook, nil
	default:
		return "", fmt.Errorf("unknown instance type %q", value)
	}
}

// ShouldRenew decides whether this instance currently owns license renewal.
//
// Only main instances with auto-renew configured are eligible. A single main
// instance always owns renewal. In multi-instance mode only the leader does:
// every main starts in the unset status before election settles, and keeping
// renewal off until then stops all of them hitting the authority at once and
// being rate limited.
//
// The decision is never cached; callers evaluate it at every decision point.
func ShouldRenew(role Role, multiInstanceEnabled bool, status leadership.Status, autoRenewConfigured bool) bool {
	if role != RoleMain {
		return false
	}
	if !autoRenewConfigured {
		return false
	}
	if !multiInstanceEnabled {
		return true
	}
	return status == leadership.StatusLeader
}

// skipReason explains a negative ShouldRenew decision for logs and metrics.
func skipReason(role Role, multiInstanceEnabled bool, status leadership.Status, autoRenewConfigured bool) string {
	switch {
	case role != RoleMain:
		return "not_main"
	case !autoRenewConfigured:
		return "auto_renew_disabled"
	case multiInstanceEnabled && status == leadership.StatusUnset:
		return "leadership_unset"
	case multiInstanceEnabled && status != leadership.StatusLeader:
		return "follower"
	default:
		return ""
	}
}
