package mail

import (
	"context"
	"strings"
	"testing"

	"smartcopy/internal/config"
	"smartcopy/internal/queue"
)

func TestSendFailureDigestNoopWithoutEntriesOrRecipients(t *testing.T) {
	s := New(config.Email{})
	if err := s.SendFailureDigest(context.Background(), "DR1", nil); err != nil {
		t.Fatalf("expected no-op with no entries, got %v", err)
	}

	entries := []queue.FailedEntry{{Job: queue.Job{ID: "1"}, Reason: "boom"}}
	if err := s.SendFailureDigest(context.Background(), "DR1", entries); err != nil {
		t.Fatalf("expected no-op with no recipients, got %v", err)
	}
}

func TestFormatDigestIncludesEachEntry(t *testing.T) {
	entries := []queue.FailedEntry{
		{Job: queue.Job{SourceHost: "DR1", SourcePath: "/a", DestHost: "MCS", DestPath: "/b", Tries: 3}, Reason: "no such file"},
	}
	out := formatDigest("DR1", entries)
	if !strings.Contains(out, "DR1:/a -> MCS:/b") || !strings.Contains(out, "no such file") {
		t.Fatalf("digest body missing expected content: %q", out)
	}
}

func TestBuildMessageIncludesSubjectAndBody(t *testing.T) {
	msg := buildMessage("svc@example.com", []string{"ops@example.com"}, "test subject", "test body")
	if !strings.Contains(msg, "Subject: test subject") {
		t.Fatal("missing subject header")
	}
	if !strings.Contains(msg, "test body") {
		t.Fatal("missing body")
	}
	if !strings.Contains(msg, "To: ops@example.com") {
		t.Fatal("missing recipient header")
	}
}
