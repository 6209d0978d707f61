package models

import (
	"fmt"
	"sort"
	"strings"
)

type Role string

const (
	RoleOperator      Role = "operator"
	RoleAdministrator Role = "administrator"
)

// ParseRole maps a claim or hint value onto a known role.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOperator:
		return RoleOperator, true
	case RoleAdministrator, "admin":
		return RoleAdministrator, true
	}
	return "", false
}

// Principal is an authenticated actor bound to at most one connection.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdministrator
}

type ChannelID string

type ChannelKind string

const (
	KindPersonal  ChannelKind = "personal"
	KindGroup     ChannelKind = "group"
	KindBroadcast ChannelKind = "broadcast"
	KindUnknown   ChannelKind = ""
)

// AdminChannel reaches every connection bound to an administrator.
const AdminChannel ChannelID = "broadcast:admin"

func PersonalChannel(principalID string) ChannelID {
	return ChannelID(string(KindPersonal) + ":" + principalID)
}

func GroupChannel(groupID string) ChannelID {
	return ChannelID(string(KindGroup) + ":" + groupID)
}

// Kind reports the namespace of the channel, or KindUnknown for ids outside
// the three known namespaces.
func (c ChannelID) Kind() ChannelKind {
	if c == AdminChannel {
		return KindBroadcast
	}
	prefix, rest, ok := strings.Cut(string(c), ":")
	if !ok || rest == "" {
		return KindUnknown
	}
	switch ChannelKind(prefix) {
	case KindPersonal:
		return KindPersonal
	case KindGroup:
		return KindGroup
	}
	return KindUnknown
}

// Suffix returns the principal or group id part of the channel.
func (c ChannelID) Suffix() string {
	_, rest, _ := strings.Cut(string(c), ":")
	return rest
}

func ParseChannelID(s string) (ChannelID, error) {
	c := ChannelID(strings.TrimSpace(s))
	if c.Kind() == KindUnknown {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// ChannelsFor returns the exact channel set a connection bound to p may hold:
// its personal channel, one channel per group, and the admin channel for
// administrators. The result is sorted and free of duplicates.
func ChannelsFor(p Principal, groups []string) []ChannelID {
	set := map[ChannelID]struct{}{PersonalChannel(p.ID): {}}
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		set[GroupChannel(g)] = struct{}{}
	}
	if p.IsAdmin() {
		set[AdminChannel] = struct{}{}
	}
	return SortChannels(set)
}

func SortChannels(set map[ChannelID]struct{}) []ChannelID {
	out := make([]ChannelID, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MembershipAction is carried by group membership change notices.
type MembershipAction string

const (
	MembershipAdd    MembershipAction = "add"
	MembershipRemove MembershipAction = "remove"
)

// MembershipChange tells the hub that a principal joined or left a group
// while possibly connected.
type MembershipChange struct {
	PrincipalID string           `json:"principalId"`
	GroupID     string           `json:"groupId"`
	Action      MembershipAction `json:"action"`
}

func (m MembershipChange) Validate() error {
	if strings.TrimSpace(m.PrincipalID) == "" || strings.TrimSpace(m.GroupID) == "" {
		return fmt.Errorf("%w: membership change needs principalId and groupId", ErrInvalidEvent)
	}
	switch m.Action {
	case MembershipAdd, MembershipRemove:
		return nil
	}
	return fmt.Errorf("%w: unknown membership action %q", ErrInvalidEvent, m.Action)
}
