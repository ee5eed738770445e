package backend

import (
	"errors"
	"testing"
	"time"
)

func TestPriorityWeight(t *testing.T) {
	cases := []struct {
		p    Priority
		want float64
	}{
		{PriorityCritical, 2.0},
		{PriorityHigh, 1.5},
		{PriorityMedium, 1.0},
		{PriorityLow, 0.7},
	}
	for _, tc := range cases {
		if got := tc.p.Weight(); got != tc.want {
			t.Fatalf("%s weight = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestCapabilityFits(t *testing.T) {
	cap := Capability{Tasks: []TaskType{TaskChat, TaskCompletion}, MaxContextLength: 1000}
	if !cap.Fits(RequestContext{TaskType: TaskChat, InputLength: 500}) {
		t.Fatalf("expected fit")
	}
	if cap.Fits(RequestContext{TaskType: TaskTranslation}) {
		t.Fatalf("unsupported task should not fit")
	}
	if cap.Fits(RequestContext{TaskType: TaskChat, InputLength: 2000}) {
		t.Fatalf("oversized input should not fit")
	}
	// Zero max context means unbounded.
	open := Capability{Tasks: []TaskType{TaskChat}}
	if !open.Fits(RequestContext{TaskType: TaskChat, InputLength: 1 << 20}) {
		t.Fatalf("unbounded capability should fit any input length")
	}
}

func TestRequestContextValidate(t *testing.T) {
	ok := RequestContext{TaskType: TaskChat, InputLength: 10, AcceptableLatency: time.Second}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid context rejected: %v", err)
	}
	cases := []RequestContext{
		{TaskType: "paint"},
		{TaskType: TaskChat, InputLength: -1},
		{TaskType: TaskChat, AcceptableLatency: -time.Second},
	}
	for i, rc := range cases {
		if err := rc.Validate(); !errors.Is(err, ErrInvalidContext) {
			t.Fatalf("case %d: expected ErrInvalidContext, got %v", i, err)
		}
	}
}

func TestErrorRate(t *testing.T) {
	if got := (Metrics{}).ErrorRate(); got != 0 {
		t.Fatalf("idle error rate = %v, want 0", got)
	}
	m := Metrics{RequestCount: 4, ErrorCount: 1}
	if got := m.ErrorRate(); got != 0.25 {
		t.Fatalf("error rate = %v, want 0.25", got)
	}
}
