package storage

import (
	"testing"
	"time"
)

func TestSecurityEventsAreListedPerRemote(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	events := []SecurityEvent{
		{Type: "certificate_pinned", RemoteUUID: "LAPTOP-00AA11", Details: map[string]string{"fingerprint": "ab12"}, Time: now.Add(-2 * time.Second)},
		{Type: "group_code_mismatch", RemoteUUID: "LAPTOP-00AA11", Severity: SecuritySeverityWarning, Time: now.Add(-time.Second)},
		{Type: "certificate_pinned", RemoteUUID: "DESK-00BB22", Time: now},
	}
	for _, event := range events {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent %s failed: %v", event.Type, err)
		}
	}

	laptop, err := store.ListSecurityEvents("LAPTOP-00AA11", 10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(laptop) != 2 {
		t.Fatalf("expected 2 laptop events, got %d", len(laptop))
	}
	if laptop[0].Type != "group_code_mismatch" || laptop[0].Severity != SecuritySeverityWarning {
		t.Fatalf("unexpected newest event: %+v", laptop[0])
	}
	if laptop[1].Severity != SecuritySeverityInfo {
		t.Fatalf("expected default severity info, got %q", laptop[1].Severity)
	}
	if laptop[1].Details["fingerprint"] != "ab12" {
		t.Fatalf("details not preserved: %+v", laptop[1].Details)
	}
	if laptop[1].Time.UnixMilli() != now.Add(-2*time.Second).UnixMilli() {
		t.Fatalf("timestamp not preserved: %v", laptop[1].Time)
	}

	all, err := store.ListSecurityEvents("", 2)
	if err != nil {
		t.Fatalf("ListSecurityEvents all failed: %v", err)
	}
	if len(all) != 2 || all[0].RemoteUUID != "DESK-00BB22" {
		t.Fatalf("unexpected global listing: %+v", all)
	}
}

func TestSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if err := store.LogSecurityEvent(SecurityEvent{Type: "x", Severity: "loud"}); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Second)

	now := time.Now()
	if err := store.LogSecurityEvent(SecurityEvent{Type: "old_event", Time: now.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("LogSecurityEvent old_event failed: %v", err)
	}
	if err := store.LogSecurityEvent(SecurityEvent{Type: "new_event", Time: now}); err != nil {
		t.Fatalf("LogSecurityEvent new_event failed: %v", err)
	}

	events, err := store.ListSecurityEvents("", 10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != "new_event" {
		t.Fatalf("expected only new_event after pruning, got %+v", events)
	}
}
