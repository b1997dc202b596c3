package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// SessionsListParams is the params object of sessions.list.
type SessionsListParams struct {
	Limit          int    `json:"limit,omitempty"`
	ActiveMinutes  int    `json:"activeMinutes,omitempty"`
	IncludeGlobal  bool   `json:"includeGlobal,omitempty"`
	IncludeUnknown bool   `json:"includeUnknown,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
}

// SessionRow is one entry of a sessions.list result.
type SessionRow struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName,omitempty"`
	Title       string `json:"title,omitempty"`
	LastMessage string `json:"lastMessage,omitempty"`
	Channel     string `json:"channel,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// Label returns the best human-readable name for the session.
func (r SessionRow) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if r.Title != "" {
		return r.Title
	}
	return r.Key
}

// SessionsListResult accepts both the {sessions:[...]} envelope and a bare array.
type SessionsListResult struct {
	Sessions []SessionRow `json:"sessions"`
}

// NewSessionKey mints a fresh session key owned by this node.
func NewSessionKey(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = "main"
	}
	return "agent:" + agentID + ":node-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
