// Package activity implements the external activity monitor: it tails an
// append-only MCS event log and derives a per-recorder busy/idle flag,
// driving each DR Worker's auto-pause/auto-resume gate via a callback.
// Grounded on original_source/smartThreads.py's MonitorStation, with the
// blocking `tail -F` subprocess replaced by an fsnotify watch on the log
// file's parent directory, filtered to events naming the log file (the
// teacher's own dependency, used there for local directory
// scanning) plus a periodic poll as a fallback for watchers that miss
// rename-based log rotation.
package activity

import (
	"bufio"
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"smartcopy/internal/boundedmap"
)

// pendingRef is a dispatched-but-not-yet-responded-to command, recorded on
// log status 2 and consumed on status 3.
type pendingRef struct {
	Subsystem string
	Command   string
	Data      string
}

// Monitor tails an MCS event log and maintains a busy/idle flag per
// recorder, invoking OnStateChange exactly once per transition.
type Monitor struct {
	logPath       string
	recorders     []string
	OnStateChange func(recorder string, busy bool)

	busy    map[string]bool
	pending *boundedmap.Map[int64, pendingRef]

	offset int64
}

// New returns a Monitor for logPath covering recorders, all assumed busy
// until the first poll (matching the source's startup assumption).
func New(logPath string, recorders []string) *Monitor {
	busy := make(map[string]bool, len(recorders))
	for _, r := range recorders {
		busy[r] = true
	}
	return &Monitor{
		logPath:   logPath,
		recorders: recorders,
		busy:      busy,
		pending:   boundedmap.New[int64, pendingRef](64),
	}
}

// State reports the current busy flag for recorder.
func (m *Monitor) State(recorder string) (bool, bool) {
	busy, ok := m.busy[recorder]
	return busy, ok
}

// Run watches the log file for growth and re-parses new lines until ctx is
// canceled. It never returns an error for a single bad line — malformed
// lines are skipped without being logged, per the RecoverableLogTailError
// error kind.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := parentDir(m.logPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	m.poll()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll()
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Name == m.logPath {
				m.poll()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			log.Printf("activity: watch error: %v", err)
		}
	}
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// poll reads any bytes appended since the last read, splits them into
// lines, and applies the status rules.
func (m *Monitor) poll() {
	f, err := os.Open(m.logPath)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < m.offset {
		// Log rotated or truncated: start over from the beginning.
		m.offset = 0
	}
	if _, err := f.Seek(m.offset, 0); err != nil {
		return
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	pos, err := f.Seek(0, 1)
	if err == nil {
		m.offset = pos
	}

	if len(lines) == 0 {
		return
	}
	m.applyLines(lines)
}

// applyLines implements _parseLogData: for each line, parse
// (ref, status, subsys, cmd, data) and update the busy map accordingly,
// then report every transition exactly once.
func (m *Monitor) applyLines(lines []string) {
	next := make(map[string]bool, len(m.busy))
	for k, v := range m.busy {
		next[k] = v
	}

	for _, line := range lines {
		fields := splitFieldsCompact(line)
		if len(fields) < 10 {
			continue
		}
		ref, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			continue
		}
		status, err := strconv.Atoi(fields[6])
		if err != nil {
			continue
		}
		subsys := fields[7]
		cmd := fields[8]
		data := strings.SplitN(fields[9], "|", 2)[0]

		if !strings.HasPrefix(subsys, "DR") {
			continue
		}

		switch status {
		case 2:
			m.pending.Set(ref, pendingRef{Subsystem: subsys, Command: cmd, Data: data})
		case 3:
			switch cmd {
			case "SHT", "REC", "SPC":
				next[subsys] = true
			case "INI", "STP":
				next[subsys] = false
			case "RPT":
				if prior, ok := m.pending.Get(ref); ok {
					switch prior.Data {
					case "OP-TYPE":
						next[subsys] = !strings.HasPrefix(data, "Idle")
					case "SUMMARY":
						if !strings.HasPrefix(data, "NORMAL") {
							next[subsys] = true
						}
					}
				}
			}
			m.pending.Delete(ref)
		case 8:
			next[subsys] = true
		}
	}

	for _, dr := range m.recorders {
		if next[dr] != m.busy[dr] {
			m.busy[dr] = next[dr]
			if m.OnStateChange != nil {
				m.OnStateChange(dr, next[dr])
			}
		}
	}
}

// splitFieldsCompact splits on runs of whitespace, mirroring Python's
// str.split(None, 9) semantics (collapse whitespace, cap at 10 fields).
func splitFieldsCompact(line string) []string {
	var out []string
	rest := strings.TrimLeft(line, " \t")
	for len(out) < 9 && rest != "" {
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			out = append(out, rest)
			rest = ""
			break
		}
		out = append(out, rest[:idx])
		rest = strings.TrimLeft(rest[idx:], " \t")
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}
