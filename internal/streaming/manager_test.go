package streaming

import "testing"

func TestManagerReplayIntegration(t *testing.T) {
	m := Get()
	wf := "wf-test"
	m.capacity = 5
	for i := 0; i < 5; i++ {
		m.Publish(wf, Event{WorkflowID: wf, Type: "STAGE_RUNNING"})
	}
	// Next publish increments seq; replay since 3 should return later sequence numbers only.
	evs := m.ReplaySince(wf, 3)
	for _, e := range evs {
		if e.Seq <= 3 {
			t.Fatalf("replay returned stale seq: %d", e.Seq)
		}
	}
}

func TestShouldPersistEventFiltersHeartbeats(t *testing.T) {
	if shouldPersistEvent("HEARTBEAT") {
		t.Error("HEARTBEAT should not be persisted")
	}
	if shouldPersistEvent("PING") {
		t.Error("PING should not be persisted")
	}
	for _, typ := range []string{"WORKFLOW_RUNNING", "STAGE_COMPLETED", "WORKFLOW_FAILED"} {
		if !shouldPersistEvent(typ) {
			t.Errorf("%s should be persisted", typ)
		}
	}
}

func TestIsCriticalEvent(t *testing.T) {
	for _, typ := range []string{"WORKFLOW_FAILED", "WORKFLOW_COMPLETED", "WORKFLOW_CANCELED", "STAGE_FAILED"} {
		if !isCriticalEvent(typ) {
			t.Errorf("%s should be critical", typ)
		}
	}
	if isCriticalEvent("STAGE_RUNNING") {
		t.Error("STAGE_RUNNING should not be critical")
	}
}

func TestSanitizeBase64ImageTruncatesLargeInlineData(t *testing.T) {
	large := make([]byte, 2048)
	for i := range large {
		large[i] = 'a'
	}
	raw := `{"attachment":"data:image/png;base64,` + string(large) + `"}`
	got := SanitizeBase64Image(raw)
	if got == raw {
		t.Fatal("expected large inline data to be truncated")
	}
}

func TestSanitizeBase64ImageLeavesSmallDataAlone(t *testing.T) {
	raw := `{"attachment":"data:image/png;base64,c21hbGw="}`
	if got := SanitizeBase64Image(raw); got != raw {
		t.Fatalf("expected small inline data to survive unchanged, got %q", got)
	}
}

func TestSanitizeUTF8DropsInvalidBytes(t *testing.T) {
	invalid := "valid\xffdata"
	got := sanitizeUTF8(invalid)
	if got != "validdata" {
		t.Fatalf("expected invalid bytes stripped, got %q", got)
	}
}
