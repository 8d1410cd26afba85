// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already exists")
)

// Session is one visitor session. EndTime stays nil while the session is
// active and is set exactly once; a session is never re-opened.
type Session struct {
	SessionID  string     `json:"sessionId"`
	UserAgent  string     `json:"userAgent"`
	IPAddress  string     `json:"ipAddress"`
	DeviceInfo string     `json:"deviceInfo"` // serialized JSON blob, stored as-is
	Platform   string     `json:"platform"`
	Browser    string     `json:"browser"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// Active reports whether the session has not been ended yet.
func (s *Session) Active() bool {
	return s.EndTime == nil
}
