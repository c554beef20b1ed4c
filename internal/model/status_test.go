package model

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{"", StateInProgress},
		{"", StateSkipped},
		{StatePending, StateInProgress},
		{StatePending, StateFailed},
		{StateInProgress, StateInProgress},
		{StateInProgress, StateCompleted},
		{StateInProgress, StateFailed},
		{StateInProgress, StateSkipped},
		{StateFailed, StatePending},
		{StateCompleted, StateCompleted},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{StatePending, StateCompleted},
		{StateCompleted, StateInProgress},
		{StateCompleted, StatePending},
		{StateSkipped, StateInProgress},
		{StateFailed, StateInProgress},
		{StateInProgress, StatePending},
		{StateFailed, StateSkipped},
		{"not_a_state", StatePending},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestAdvance_BlocksIllegalTransition(t *testing.T) {
	entry := LedgerEntry{CourseID: "c1", ActivityID: "a1", State: StateCompleted}

	err := Advance(&entry, StateInProgress, "", time.Now())
	if err == nil {
		t.Fatalf("expected illegal transition error")
	}
	var trErr *TransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransitionError, got %T", err)
	}
	if entry.State != StateCompleted {
		t.Fatalf("state changed despite rejected transition: %s", entry.State)
	}
}

func TestAdvance_RecordsReasonAndTime(t *testing.T) {
	entry := LedgerEntry{CourseID: "c1", ActivityID: "a1"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := Advance(&entry, StateSkipped, ReasonSkippedByRule, now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if entry.State != StateSkipped || entry.Reason != ReasonSkippedByRule || !entry.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected entry after advance: %+v", entry)
	}
}
