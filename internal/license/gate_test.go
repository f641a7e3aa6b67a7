package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bakeneko/n8n/internal/license/leadership"
)

var allStatuses = []leadership.Status{leadership.StatusUnset, leadership.StatusLeader, leadership.StatusFollower}

func TestShouldRenewNonMainNeverRenews(t *testing.T) {
	for _, role := range []Role{RoleWorker, RoleWebhook} {
		for _, multi := range []bool{false, true} {
			for _, status := range allStatuses {
				for _, auto := range []bool{false, true} {
					assert.False(t, ShouldRenew(role, multi, status, auto),
						"role=%s multi=%v status=%s auto=%v", role, multi, status, auto)
				}
			}
		}
	}
}

func TestShouldRenewAutoRenewDisabled(t *testing.T) {
	for _, multi := range []bool{false, true} {
		for _, status := range allStatuses {
			assert.False(t, ShouldRenew(RoleMain, multi, status, false))
			assert.Equal(t, "auto_renew_disabled", skipReason(RoleMain, multi, status, false))
		}
	}
}

func TestShouldRenewSingleInstanceIgnoresLeadership(t *testing.T) {
	for _, status := range allStatuses {
		assert.True(t, ShouldRenew(RoleMain, false, status, true), "status=%s", status)
		assert.Empty(t, skipReason(RoleMain, false, status, true))
	}
}

func TestShouldRenewMultiInstance(t *testing.T) {
	tests := []struct {
		status leadership.Status
		want   bool
		reason string
	}{
		{leadership.StatusLeader, true, ""},
		{leadership.StatusFollower, false, "follower"},
		{leadership.StatusUnset, false, "leadership_unset"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRenew(RoleMain, true, tt.status, true))
			assert.Equal(t, tt.reason, skipReason(RoleMain, true, tt.status, true))
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"", RoleMain, false},
		{"main", RoleMain, false},
		{" Worker ", RoleWorker, false},
		{"webhook", RoleWebhook, false},
		{"scheduler", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
