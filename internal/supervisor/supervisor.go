// Package supervisor owns every DR Worker, the Activity Monitor, and the
// service's global state, and exposes the control surface the Request
// Handler drives: initialize, shutdown, add/cancel a job, pause/resume a
// recorder or all of them, and query. Grounded on the teacher's
// internal/daemon/supervisor.go Supervisor (a worker map behind a mutex,
// a reconcile pass, a Run(ctx) loop), generalized from "reconcile rule
// set from DB" to "own one DR Worker per configured recorder plus the
// Activity Monitor".
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"smartcopy/internal/activity"
	"smartcopy/internal/config"
	"smartcopy/internal/errs"
	"smartcopy/internal/mail"
	"smartcopy/internal/queue"
	"smartcopy/internal/refid"
	"smartcopy/internal/semaphore"
	"smartcopy/internal/statusapi"
	"smartcopy/internal/worker"
)

// Status is the Supervisor's closed global-state set (spec.md §4: `status
// ∈ {SHUTDWN, BOOTING, NORMAL}`).
type Status string

const (
	StatusShutdown Status = "SHUTDWN"
	StatusBooting  Status = "BOOTING"
	StatusNormal   Status = "NORMAL"
)

// Supervisor owns every DR Worker plus the Activity Monitor and the
// process-wide remote-transfer semaphore, reference-id counter, and
// digest mailer shared by all of them.
type Supervisor struct {
	cfg   config.Config
	store *queue.Store
	lock  *semaphore.RemoteLock
	ids   *refid.Counter
	mailer *mail.Sender

	mu            sync.Mutex
	status        Status
	info          string
	lastLog       string
	activeProcess map[string]bool // "INI"/"SHT" mutual-exclusion gate

	workers map[string]*worker.Worker
	monitor *activity.Monitor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an uninitialized Supervisor in state SHUTDWN.
func New(cfg config.Config, store *queue.Store, ids *refid.Counter, mailer *mail.Sender) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		store:         store,
		lock:          semaphore.New(),
		ids:           ids,
		mailer:        mailer,
		status:        StatusShutdown,
		activeProcess: map[string]bool{},
		workers:       map[string]*worker.Worker{},
	}
}

// beginProcess implements the activeProcess mutual-exclusion gate for a
// named control command ("INI" or "SHT"): it rejects a second one while
// the first is still running.
func (s *Supervisor) beginProcess(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeProcess[name] {
		return errs.ErrProcessBusy
	}
	s.activeProcess[name] = true
	return nil
}

func (s *Supervisor) endProcess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeProcess, name)
}

// Initialize (re)creates every configured DR Worker, starts the Activity
// Monitor, wires its callback to each worker's busy gate, and brings the
// service to NORMAL. Workers start globally inhibited (paused) until an
// explicit Resume, matching worker.New's default.
func (s *Supervisor) Initialize(ctx context.Context, workerDeps func(recorder string) worker.Deps) error {
	if err := s.beginProcess("INI"); err != nil {
		return err
	}
	defer s.endProcess("INI")

	s.mu.Lock()
	s.status = StatusBooting
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	workers := make(map[string]*worker.Worker, len(s.cfg.Recorders))
	for _, dr := range s.cfg.Recorders {
		wc := worker.Config{
			MaxRetry:             s.cfg.MaxRetry,
			WaitRetry:            s.cfg.WaitRetry(),
			PurgeThresholdBytes:  s.cfg.PurgeThresholdBytes(),
			BwLimitMBs:           s.cfg.BwLimitMBs,
			ArchivalHost:         s.cfg.Archival.Host,
			ArchivalSourcePrefix: s.cfg.Archival.SourcePrefix,
			UnreliableLink:       s.cfg.IsUnreliableLink(dr),
		}
		deps := workerDeps(dr)
		deps.Store = s.store
		deps.Lock = s.lock
		if deps.IDs == nil {
			deps.IDs = s.ids
		}
		if deps.Digest == nil {
			deps.Digest = s.mailer
		}
		workers[dr] = worker.New(dr, wc, deps)
	}
	s.workers = workers
	s.monitor = activity.New(s.cfg.ActivityLog, s.cfg.Recorders)
	s.monitor.OnStateChange = func(dr string, busy bool) {
		s.mu.Lock()
		w := s.workers[dr]
		s.mu.Unlock()
		if w != nil {
			w.SetBusy(busy)
		}
	}
	s.mu.Unlock()

	for _, w := range workers {
		w := w
		if _, err := w.RestorePending(ctx); err != nil {
			log.Printf("supervisor: restore pending: %v", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.monitor.Run(runCtx)
	}()

	s.mu.Lock()
	s.status = StatusNormal
	s.info = fmt.Sprintf("initialized %d recorder(s)", len(workers))
	s.mu.Unlock()
	return nil
}

// Shutdown pauses every worker, stops the monitor and workers, awaits
// quiescence, and sets status to SHUTDWN.
func (s *Supervisor) Shutdown() error {
	if err := s.beginProcess("SHT"); err != nil {
		return err
	}
	defer s.endProcess("SHT")

	s.mu.Lock()
	for _, w := range s.workers {
		w.Pause()
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if err := s.ids.Checkpoint(); err != nil {
		return fmt.Errorf("supervisor: shutdown: checkpoint refid: %w", err)
	}

	s.mu.Lock()
	s.status = StatusShutdown
	s.mu.Unlock()
	return nil
}

// recorderWorker looks up a worker by recorder id.
func (s *Supervisor) recorderWorker(recorder string) (*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[recorder]
	if !ok {
		return nil, errs.ErrUnknownRecorder
	}
	return w, nil
}

func (s *Supervisor) requireNormal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusNormal {
		return errs.ErrNotInitialized
	}
	return nil
}

// AddCopyCommand enqueues a copy job on recorder's queue.
func (s *Supervisor) AddCopyCommand(ctx context.Context, recorder, sourceHost, sourcePath, destHost, destPath string) (string, error) {
	if err := s.requireNormal(); err != nil {
		return "", err
	}
	w, err := s.recorderWorker(recorder)
	if err != nil {
		return "", err
	}
	return w.AddCopyCommand(ctx, sourceHost, sourcePath, destHost, destPath)
}

// AddDeleteCommand enqueues a delete job on recorder's queue.
func (s *Supervisor) AddDeleteCommand(ctx context.Context, recorder, host, path string, now bool) (string, error) {
	if err := s.requireNormal(); err != nil {
		return "", err
	}
	w, err := s.recorderWorker(recorder)
	if err != nil {
		return "", err
	}
	return w.AddDeleteCommand(ctx, host, path, now)
}

// CancelCopyCommand marks id canceled on recorder's queue.
func (s *Supervisor) CancelCopyCommand(recorder, id string) (string, error) {
	w, err := s.recorderWorker(recorder)
	if err != nil {
		return "", err
	}
	result, _ := w.CancelCopyCommand(id)
	return result, nil
}

// Pause inhibits dispatch on recorder, or every recorder when recorder is
// "ALL".
func (s *Supervisor) Pause(recorder string) error {
	if recorder == "ALL" {
		s.mu.Lock()
		workers := make([]*worker.Worker, 0, len(s.workers))
		for _, w := range s.workers {
			workers = append(workers, w)
		}
		s.mu.Unlock()
		for _, w := range workers {
			w.Pause()
		}
		return nil
	}
	w, err := s.recorderWorker(recorder)
	if err != nil {
		return err
	}
	w.Pause()
	return nil
}

// Resume lifts the dispatch inhibition on recorder, or every recorder
// when recorder is "ALL".
func (s *Supervisor) Resume(recorder string) error {
	if recorder == "ALL" {
		s.mu.Lock()
		workers := make([]*worker.Worker, 0, len(s.workers))
		for _, w := range s.workers {
			workers = append(workers, w)
		}
		s.mu.Unlock()
		for _, w := range workers {
			w.Resume()
		}
		return nil
	}
	w, err := s.recorderWorker(recorder)
	if err != nil {
		return err
	}
	w.Resume()
	return nil
}

// JobStatus searches every worker's recent-results cache for id, returning
// its recorded status string. Used to serve the QUEUE_ENTRY_<id> MIB key,
// which is not scoped to a single recorder.
func (s *Supervisor) JobStatus(id string) (string, bool) {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		if result, ok := w.GetCopyCommand(id); ok {
			return result, true
		}
	}
	return "", false
}

// GlobalStatus implements statusapi.Source.
func (s *Supervisor) GlobalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.status)
}

// Recorders implements statusapi.Source.
func (s *Supervisor) Recorders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for dr := range s.workers {
		out = append(out, dr)
	}
	return out
}

// RecorderStatus implements statusapi.Source.
func (s *Supervisor) RecorderStatus(name string) (statusapi.RecorderStatus, bool) {
	w, err := s.recorderWorker(name)
	if err != nil {
		return statusapi.RecorderStatus{}, false
	}
	size, _ := w.GetQueueSize(context.Background())
	busy, _ := s.monitor.State(name)
	return statusapi.RecorderStatus{
		QueueSize:       size,
		QueueState:      w.GetQueueState(),
		ObsStatus:       busy,
		ActiveID:        w.GetActiveID(),
		ActiveStatus:    w.GetActiveStatus(),
		ActiveBytes:     w.GetActiveBytesTransferred(),
		ActiveProgress:  w.GetActiveProgress(),
		ActiveSpeed:     w.GetActiveSpeed(),
		ActiveRemaining: w.GetActiveTimeRemaining(),
	}, true
}
