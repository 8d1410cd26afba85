// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import "time"

// Append-only event rows. Each references a session by id; the reference is
// not enforced transactionally, so orphaned rows are tolerated.

type PageView struct {
	ViewID    int64     `json:"viewId"`
	SessionID string    `json:"sessionId"`
	PageURL   string    `json:"pageUrl"`
	ViewTime  time.Time `json:"viewTime"`
	TimeSpent int64     `json:"timeSpent"` // milliseconds
	Referrer  string    `json:"referrer"`
}

type Interaction struct {
	InteractionID   int64     `json:"interactionId"`
	SessionID       string    `json:"sessionId"`
	InteractionType string    `json:"interactionType"`
	ElementID       string    `json:"elementId"`
	ElementClass    string    `json:"elementClass"`
	ElementText     string    `json:"elementText"`
	PageURL         string    `json:"pageUrl"`
	InteractionTime time.Time `json:"interactionTime"`
	AdditionalData  string    `json:"additionalData,omitempty"` // serialized JSON, stored as-is
}

type FormSubmission struct {
	SubmissionID   int64     `json:"submissionId"`
	SessionID      string    `json:"sessionId"`
	FormID         string    `json:"formId"`
	SubmissionTime time.Time `json:"submissionTime"`
	FormData       string    `json:"formData"` // serialized JSON, stored as-is
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

type ErrorLog struct {
	ErrorID        int64     `json:"errorId"`
	SessionID      string    `json:"sessionId"`
	ErrorType      string    `json:"errorType"`
	ErrorMessage   string    `json:"errorMessage"`
	StackTrace     string    `json:"stackTrace,omitempty"`
	PageURL        string    `json:"pageUrl"`
	ErrorTime      time.Time `json:"errorTime"`
	AdditionalData string    `json:"additionalData,omitempty"`
}

type PerformanceMetric struct {
	MetricID                 int64     `json:"metricId"`
	SessionID                string    `json:"sessionId"`
	PageURL                  string    `json:"pageUrl"`
	LoadTime                 int64     `json:"loadTime"`
	DOMInteractiveTime       int64     `json:"domInteractiveTime"`
	DOMCompleteTime          int64     `json:"domCompleteTime"`
	FirstPaintTime           int64     `json:"firstPaintTime"`
	FirstContentfulPaintTime int64     `json:"firstContentfulPaintTime"`
	MetricTime               time.Time `json:"metricTime"`
}
