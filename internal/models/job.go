// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package models

import "fmt"

// JobKind categorizes a scheduled unit of ingestion work.
type JobKind string

const (
	// JobKindPoll is a recurring incremental fetch since the last checkpoint.
	JobKindPoll JobKind = "poll"

	// JobKindInitialSync is the one-time bounded historical backfill for a
	// newly connected account.
	JobKindInitialSync JobKind = "initial_sync"

	// JobKindEnrich is the deferred fetch of derived audio attributes for
	// tracks that are missing them.
	JobKindEnrich JobKind = "enrich"

	// JobKindImportZip is a bulk export archive import.
	JobKindImportZip JobKind = "import_zip"
)

// ParseJobKind validates a string against the closed set of job kinds.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindPoll, JobKindInitialSync, JobKindEnrich, JobKindImportZip:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Valid reports whether the kind is a member of the closed set.
func (k JobKind) Valid() bool {
	_, err := ParseJobKind(string(k))
	return err == nil
}

// JobStatus is the lifecycle state of a job run.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusError   JobStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusError
}

// Valid reports whether the status is a member of the closed set.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusRunning, JobStatusSuccess, JobStatusError:
		return true
	}
	return false
}
