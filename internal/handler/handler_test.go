package handler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"smartcopy/internal/boundedmap"
	"smartcopy/internal/config"
	"smartcopy/internal/executor"
	"smartcopy/internal/mail"
	"smartcopy/internal/queue"
	"smartcopy/internal/refid"
	"smartcopy/internal/supervisor"
	"smartcopy/internal/wire"
	"smartcopy/internal/worker"
)

type fakeProc struct{ lines chan string }

func (p *fakeProc) Lines() <-chan string { return p.lines }
func (p *fakeProc) Wait() error          { return nil }
func (p *fakeProc) Kill() error          { return nil }

type fakeRunner struct{}

func (fakeRunner) Start(ctx context.Context, argv []string) (executor.Proc, error) {
	ch := make(chan string)
	close(ch)
	return &fakeProc{lines: ch}, nil
}

type fakeProbeRunner struct{}

func (fakeProbeRunner) Run(ctx context.Context, argv []string) (string, error) {
	return "0 /a", nil
}

func newTestHandler(t *testing.T) (*Handler, *supervisor.Supervisor, context.CancelFunc) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := queue.Open(dbPath)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ids, err := refid.Open(filepath.Join(t.TempDir(), "refid.chk"))
	if err != nil {
		t.Fatalf("refid.Open: %v", err)
	}

	cfg := config.Default()
	cfg.Recorders = []string{"DR1"}
	cfg.ActivityLog = filepath.Join(t.TempDir(), "activity.log")

	mailer := mail.New(cfg.Email)
	sup := supervisor.New(cfg, store, ids, mailer)

	workerDeps := func(recorder string) worker.Deps {
		return worker.Deps{Runner: fakeRunner{}, ProbeRunner: fakeProbeRunner{}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Initialize(ctx, workerDeps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sup.Resume("ALL"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	h := &Handler{
		sender:     "MCS",
		supervisor: sup,
		workerDeps: workerDeps,
		recentRefs: boundedmap.New[int64, struct{}](recentRefsCap),
	}
	return h, sup, cancel
}

// decodeReply decodes a full reply datagram and splits its payload into
// the accepted/rejected marker, the 7-char subsystem status, and body.
func decodeReply(t *testing.T, raw []byte) (accepted bool, status string, body string) {
	t.Helper()
	full, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(full.Payload) < 8 {
		t.Fatalf("reply payload too short: %q", full.Payload)
	}
	accepted = full.Payload[0] == 'A'
	status = strings.TrimSpace(string(full.Payload[1:8]))
	body = string(full.Payload[8:])
	return
}

func TestPingIsAccepted(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "PNG", 1, nil)
	reply := h.process(context.Background(), raw)
	accepted, status, _ := decodeReply(t, reply)
	if !accepted {
		t.Fatal("expected PNG to be accepted")
	}
	if status != "NORMAL" {
		t.Fatalf("status = %q, want NORMAL", status)
	}
}

func TestUnknownCommandIsRejectedWithProtocolError(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "ZZZ", 2, nil)
	reply := h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if accepted {
		t.Fatal("expected rejection for unknown command")
	}
	if !strings.HasPrefix(body, wire.CodeProtocolError) {
		t.Fatalf("body = %q, want protocol-error prefix", body)
	}
}

func TestDuplicateReferenceIsRejected(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw1 := wire.Encode("MCS", "OBS", "PNG", 42, nil)
	raw2 := wire.Encode("MCS", "OBS", "PNG", 42, nil)

	first := h.process(context.Background(), raw1)
	accepted, _, _ := decodeReply(t, first)
	if !accepted {
		t.Fatal("first PNG with ref 42 should be accepted")
	}

	second := h.process(context.Background(), raw2)
	accepted, _, body := decodeReply(t, second)
	if accepted {
		t.Fatal("duplicate reference should be rejected")
	}
	if !strings.Contains(body, "duplicate") {
		t.Fatalf("body = %q, want duplicate-reference message", body)
	}
}

func TestCopyCommandRoundTrip(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "SCP", 10, []byte("DR1:/data/a.dat->DR2:/archive/a.dat"))
	reply := h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if !accepted {
		t.Fatalf("SCP rejected: %q", body)
	}
	if body == "" {
		t.Fatal("expected a job id in the SCP reply body")
	}
}

func TestCopyCommandMalformedPayloadIsRejected(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "SCP", 11, []byte("not-a-valid-payload"))
	reply := h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if accepted {
		t.Fatal("expected malformed SCP payload to be rejected")
	}
	if !strings.HasPrefix(body, wire.CodeProtocolError) {
		t.Fatalf("body = %q, want protocol-error prefix", body)
	}
}

func TestReportSummaryAndQueueSize(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "RPT", 20, []byte("SUMMARY"))
	reply := h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if !accepted || body != "NORMAL" {
		t.Fatalf("SUMMARY reply = accepted=%v body=%q", accepted, body)
	}

	raw = wire.Encode("MCS", "OBS", "RPT", 21, []byte("QUEUE_SIZE_DR1"))
	reply = h.process(context.Background(), raw)
	accepted, _, body = decodeReply(t, reply)
	if !accepted {
		t.Fatalf("QUEUE_SIZE_DR1 rejected: %q", body)
	}
	if body != "0" {
		t.Fatalf("QUEUE_SIZE_DR1 = %q, want 0", body)
	}
}

func TestReportUnknownRecorderIsRejected(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "RPT", 22, []byte("QUEUE_SIZE_DR9"))
	reply := h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if accepted {
		t.Fatal("expected unknown recorder to be rejected")
	}
	if !strings.HasPrefix(body, wire.CodeProtocolError) {
		t.Fatalf("body = %q, want protocol-error prefix", body)
	}
}

func TestPauseResumeAll(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "PAU", 30, []byte("ALL"))
	reply := h.process(context.Background(), raw)
	accepted, _, _ := decodeReply(t, reply)
	if !accepted {
		t.Fatal("PAU ALL should be accepted")
	}

	raw = wire.Encode("MCS", "OBS", "RPT", 31, []byte("QUEUE_STATUS_DR1"))
	reply = h.process(context.Background(), raw)
	_, _, body := decodeReply(t, reply)
	if body != "paused" {
		t.Fatalf("QUEUE_STATUS_DR1 after PAU ALL = %q, want paused", body)
	}
}

func TestShutdownThenCommandIsRejectedNotInitialized(t *testing.T) {
	h, _, cancel := newTestHandler(t)
	defer cancel()

	raw := wire.Encode("MCS", "OBS", "SHT", 40, nil)
	reply := h.process(context.Background(), raw)
	accepted, _, _ := decodeReply(t, reply)
	if !accepted {
		t.Fatal("SHT should be accepted")
	}

	raw = wire.Encode("MCS", "OBS", "SCP", 41, []byte("DR1:/a->DR2:/b"))
	reply = h.process(context.Background(), raw)
	accepted, _, body := decodeReply(t, reply)
	if accepted {
		t.Fatal("SCP after shutdown should be rejected")
	}
	if !strings.HasPrefix(body, wire.CodeNotInitialized) {
		t.Fatalf("body = %q, want not-initialized prefix", body)
	}
}
