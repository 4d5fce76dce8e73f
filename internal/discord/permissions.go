package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the admin role
// before executing privileged slash commands.
type PermissionChecker struct {
	adminRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given admin role ID.
func NewPermissionChecker(adminRoleID string) *PermissionChecker {
	return &PermissionChecker{adminRoleID: adminRoleID}
}

// IsAdmin checks whether the interaction author has the configured admin
// role. If adminRoleID is empty, all users are admins.
// Returns false if the interaction has no Member (e.g. DM interactions).
func (p *PermissionChecker) IsAdmin(i *discordgo.InteractionCreate) bool {
	if p.adminRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.adminRoleID)
}
