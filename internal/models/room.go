package models

import (
	"sort"
	"time"
)

// Role is the side a participant plays in a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Member is one subscription in a room.
type Member struct {
	ClientID string    `json:"clientId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomInfo is the live view of a room returned by the rooms API.
type RoomInfo struct {
	ID          string   `json:"id"`
	Members     []Member `json:"members"`
	MemberCount int      `json:"memberCount"`
	Ready       bool     `json:"ready"`
}

// HasBothRoles reports whether at least two distinct roles are present.
func HasBothRoles(members []Member) bool {
	seen := make(map[Role]struct{}, 2)
	for _, m := range members {
		seen[m.Role] = struct{}{}
	}
	return len(seen) >= 2
}

// SignalAck is the response body of the ingress endpoint.
type SignalAck struct {
	Status string `json:"status"`
}

// SortMembers orders members by join time, then client id.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ClientID < members[j].ClientID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
