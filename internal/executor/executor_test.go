package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"smartcopy/internal/queue"
)

type fakeProc struct {
	lines    chan string
	waitErr  error
	killed   bool
	closeOne sync.Once
}

func (p *fakeProc) Lines() <-chan string { return p.lines }
func (p *fakeProc) Wait() error          { return p.waitErr }

// Kill mimics a real process death: its stdout pipe closes, which is what
// actually unblocks the pump goroutine's read loop.
func (p *fakeProc) Kill() error {
	p.killed = true
	p.closeOne.Do(func() { close(p.lines) })
	return nil
}

// noProbe is a ProbeRunner that fails any call; tests that never flag
// UnreliableLink should never invoke it.
type noProbe struct{}

func (noProbe) Run(ctx context.Context, argv []string) (string, error) {
	return "", fmt.Errorf("probe not expected")
}

// recordingProbe records every argv it's asked to run and returns a fixed
// response.
type recordingProbe struct {
	mu   sync.Mutex
	argv [][]string
}

func (p *recordingProbe) Run(ctx context.Context, argv []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.argv = append(p.argv, argv)
	return "", nil
}

func (p *recordingProbe) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.argv)
}

type fakeRunner struct {
	proc *fakeProc
	err  error
}

func (r *fakeRunner) Start(ctx context.Context, argv []string) (Proc, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.proc, nil
}

func newFinishedProc(lines []string, waitErr error) *fakeProc {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	p := &fakeProc{lines: ch, waitErr: waitErr}
	p.closeOne.Do(func() { close(ch) })
	return p
}

func TestNewSpawnsAndCompletesSuccessfully(t *testing.T) {
	proc := newFinishedProc([]string{"1048576  50%   10.00MB/s    0:00:05"}, nil)
	runner := &fakeRunner{proc: proc}
	job := queue.Job{ID: "1", SourceHost: "DR1", SourcePath: "/a", DestHost: "DR1", DestPath: "/b"}

	e := New(job, "DR1", "DR1", 0, false, runner, noProbe{}, time.Now(), 24*time.Hour)
	e.wg.Wait()

	if got := e.Status().String(); got != "complete" {
		t.Fatalf("status = %q, want complete", got)
	}
	if !e.IsComplete() {
		t.Fatal("expected IsComplete")
	}
}

func TestNewTooSoonToRetryDoesNotSpawn(t *testing.T) {
	runner := &fakeRunner{proc: newFinishedProc(nil, nil)}
	job := queue.Job{ID: "1", SourceHost: "DR1", SourcePath: "/a", Tries: 1, LastTry: float64(time.Now().Add(-time.Hour).Unix())}

	e := New(job, "DR1", "DR1", 0, false, runner, noProbe{}, time.Now(), 24*time.Hour)
	if got := e.Status().String(); got != "error: too soon to retry" {
		t.Fatalf("status = %q, want too-soon", got)
	}
	if e.IsRunning() {
		t.Fatal("expected no process spawned")
	}
}

func TestProgressParsing(t *testing.T) {
	proc := &fakeProc{lines: make(chan string, 1), waitErr: nil}
	proc.lines <- "2097152  75%   5.50MB/s    0:00:02"
	runner := &fakeRunner{proc: proc}
	job := queue.Job{ID: "1", SourceHost: "DR1", SourcePath: "/a", DestHost: "DR1", DestPath: "/b"}

	e := New(job, "DR1", "DR1", 0, false, runner, noProbe{}, time.Now(), 24*time.Hour)
	time.Sleep(10 * time.Millisecond)

	if got := e.Progress(); got != "75%" {
		t.Fatalf("Progress() = %q, want 75%%", got)
	}
	if got := e.BytesTransferred(); got != "2097152" {
		t.Fatalf("BytesTransferred() = %q", got)
	}
	close(proc.lines)
	e.wg.Wait()
}

func TestCancelMarksCanceledAndKills(t *testing.T) {
	proc := &fakeProc{lines: make(chan string), waitErr: fmt.Errorf("signal: killed")}
	runner := &fakeRunner{proc: proc}
	job := queue.Job{ID: "1", SourceHost: "", SourcePath: "/a", DestHost: "", DestPath: "/b"}

	e := New(job, "", "", 0, false, runner, noProbe{}, time.Now(), 24*time.Hour)
	e.Cancel()

	if !proc.killed {
		t.Fatal("expected process to be killed")
	}
	if got := e.Status().String(); got != "canceled" {
		t.Fatalf("status = %q, want canceled", got)
	}
}

func TestDeleteMarkerQueueCompletesWithoutSpawning(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("should not be called")}
	job := queue.Job{ID: "1", SourceHost: "DR1", SourcePath: "/a", DestPath: DeleteMarkerQueue}

	e := New(job, "DR1", "", 0, false, runner, noProbe{}, time.Now(), 24*time.Hour)
	if got := e.Status().String(); got != "complete" {
		t.Fatalf("status = %q, want complete", got)
	}
}

func TestUnreliableLinkTruncatesBeforeResume(t *testing.T) {
	proc := newFinishedProc(nil, nil)
	runner := &fakeRunner{proc: proc}
	probe := &recordingProbe{}
	job := queue.Job{ID: "1", SourceHost: "dr1", SourcePath: "/a", DestHost: "dr1", DestPath: "/b"}

	e := New(job, "dr1", "dr1", 0, true, runner, probe, time.Now(), 24*time.Hour)
	e.wg.Wait()

	if probe.calls() != 1 {
		t.Fatalf("probe calls = %d, want 1", probe.calls())
	}
	if argv := probe.argv[0]; argv[0] != "ssh" {
		t.Fatalf("truncate argv = %v, want ssh-based precondition", argv)
	}
}

func TestReliableLinkNeverTruncates(t *testing.T) {
	proc := newFinishedProc(nil, nil)
	runner := &fakeRunner{proc: proc}
	probe := &recordingProbe{}
	job := queue.Job{ID: "1", SourceHost: "dr1", SourcePath: "/a", DestHost: "dr1", DestPath: "/b"}

	e := New(job, "dr1", "dr1", 0, false, runner, probe, time.Now(), 24*time.Hour)
	e.wg.Wait()

	if probe.calls() != 0 {
		t.Fatalf("probe calls = %d, want 0 on a reliable link", probe.calls())
	}
}

func TestBuildCopyCommandBranches(t *testing.T) {
	cases := []struct {
		name                          string
		srcHost, dst                  string
		wantFirst                     string
	}{
		{"local-local", "", "", "rsync"},
		{"local-remote", "", "dr2", "rsync"},
		{"remote-sameHost", "dr1", "dr1", "ssh"},
		{"remote-otherHost", "dr1", "dr2", "ssh"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			argv := buildCopyCommand(c.srcHost, "/a", c.dst, "/b", 0)
			if argv[0] != c.wantFirst {
				t.Fatalf("argv[0] = %q, want %q", argv[0], c.wantFirst)
			}
		})
	}
}

func TestBuildCopyCommandAppliesBwLimitCrossHost(t *testing.T) {
	argv := buildCopyCommand("dr1", "/a", "dr2", "/b", 50)
	found := false
	for _, a := range argv {
		if contains(a, "--bwlimit=50m") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --bwlimit in %v", argv)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
