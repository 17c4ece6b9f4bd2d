package discord

import "github.com/bwmarrin/discordgo"

// PermissionChecker validates that a Discord user may run privileged slash
// commands like /stop and /settings set.
type PermissionChecker struct {
	required bool
}

// NewPermissionChecker creates a PermissionChecker. When required is false,
// every user passes the check.
func NewPermissionChecker(required bool) *PermissionChecker {
	return &PermissionChecker{required: required}
}

// CanManage reports whether the interaction author holds the Manage Server
// permission in the guild. Returns false if the interaction has no Member
// (e.g., DM channel interactions).
func (p *PermissionChecker) CanManage(i *discordgo.InteractionCreate) bool {
	if !p.required {
		return true
	}
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageServer != 0
}
