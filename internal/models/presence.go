package models

import (
	"fmt"
	"strings"
)

// PresenceStatus is a user's availability. A client holds exactly one value
// for its own session; the server keeps a best-effort mirror.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusIdle    PresenceStatus = "IDLE"
	StatusDND     PresenceStatus = "DND"
	StatusOffline PresenceStatus = "OFFLINE"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return true
	}
	return false
}

func (s PresenceStatus) String() string { return string(s) }

// ParsePresenceStatus accepts any letter case.
func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	s := PresenceStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid presence status %q", raw)
	}
	return s, nil
}
