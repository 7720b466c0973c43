// Package handler implements the Request Handler: decodes the fixed-width
// MCS wire format (internal/wire), dispatches to the Supervisor, and
// encodes replies. Grounded on original_source/MCS.py's
// Communicate.packetProcessor for the decode→dispatch→encode shape,
// reimplemented as a single-threaded net.PacketConn-driven loop rather
// than the original's two-deque background-thread design (a REDESIGN
// FLAG target: "thread-per-worker with sentinel-in-queue termination").
package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"smartcopy/internal/boundedmap"
	"smartcopy/internal/errs"
	"smartcopy/internal/statusapi"
	"smartcopy/internal/supervisor"
	"smartcopy/internal/wire"
	"smartcopy/internal/worker"
)

// recentRefsCap bounds the duplicate-reference suppression set, mirroring
// the source's LimitedSizeDict sizing for this purpose.
const recentRefsCap = 256

// Handler owns the UDP listen socket and dispatches decoded requests to a
// Supervisor.
type Handler struct {
	conn       net.PacketConn
	sender     string // this subsystem's own 3-letter id, e.g. "MCS"
	supervisor *supervisor.Supervisor
	workerDeps func(recorder string) worker.Deps
	recentRefs *boundedmap.Map[int64, struct{}]
}

// Listen binds addr (UDP) and returns a Handler ready to Serve. workerDeps
// builds the production Runner/ProbeRunner pair passed to Supervisor.Initialize
// when an INI command arrives.
func Listen(addr, sender string, sup *supervisor.Supervisor, workerDeps func(recorder string) worker.Deps) (*Handler, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("handler: listen %s: %w", addr, err)
	}
	return &Handler{
		conn:       conn,
		sender:     sender,
		supervisor: sup,
		workerDeps: workerDeps,
		recentRefs: boundedmap.New[int64, struct{}](recentRefsCap),
	}, nil
}

// Close releases the listen socket.
func (h *Handler) Close() error { return h.conn.Close() }

// Serve reads datagrams until ctx is canceled, processing each one
// synchronously (matching spec.md §5's "request socket receive, short
// poll" suspension point: one request in flight at a time).
func (h *Handler) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, from, err := h.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("handler: read: %w", err)
		}
		reply := h.process(ctx, buf[:n])
		if reply != nil {
			if _, err := h.conn.WriteTo(reply, from); err != nil {
				log.Printf("handler: write to %s: %v", from, err)
			}
		}
	}
}

// process decodes one datagram and returns the reply bytes to send, or
// nil if the datagram could not even be decoded enough to reply to.
func (h *Handler) process(ctx context.Context, raw []byte) []byte {
	pkt, err := wire.Decode(raw)
	if err != nil {
		log.Printf("handler: decode: %v", err)
		return nil
	}

	if !wire.Command(pkt.Command).Valid() {
		return h.reject(pkt, wire.CodeProtocolError, "unknown command "+pkt.Command)
	}

	if _, seen := h.recentRefs.Get(pkt.Reference); seen {
		return h.reject(pkt, wire.CodeProtocolError, "duplicate reference id")
	}
	h.recentRefs.Set(pkt.Reference, struct{}{})

	return h.dispatch(ctx, pkt)
}

func (h *Handler) dispatch(ctx context.Context, pkt wire.Packet) []byte {
	cmd := wire.Command(pkt.Command)
	payload := strings.TrimSpace(string(pkt.Payload))

	switch cmd {
	case wire.CmdPing:
		return h.accept(pkt, nil)

	case wire.CmdInit:
		if err := h.supervisor.Initialize(ctx, h.workerDeps); err != nil {
			return h.rejectForErr(pkt, err)
		}
		return h.accept(pkt, nil)

	case wire.CmdShutdown:
		if err := h.supervisor.Shutdown(); err != nil {
			return h.rejectForErr(pkt, err)
		}
		return h.accept(pkt, nil)

	case wire.CmdReport:
		return h.handleReport(pkt, payload)

	case wire.CmdCopy:
		return h.handleCopy(pkt, payload)

	case wire.CmdDelete:
		return h.handleDelete(pkt, payload)

	case wire.CmdPause:
		if err := h.supervisor.Pause(payload); err != nil {
			return h.rejectForErr(pkt, err)
		}
		return h.accept(pkt, nil)

	case wire.CmdResume:
		if err := h.supervisor.Resume(payload); err != nil {
			return h.rejectForErr(pkt, err)
		}
		return h.accept(pkt, nil)

	case wire.CmdCancel:
		return h.handleCancel(pkt, payload)
	}

	return h.reject(pkt, wire.CodeProtocolError, "unhandled command "+pkt.Command)
}

// handleCopy parses "src_host:src_path->dst_host:dst_path". The source
// host also names the recorder whose queue owns the job, matching the
// original convention that a transfer is scheduled by its source DR.
func (h *Handler) handleCopy(pkt wire.Packet, payload string) []byte {
	srcPart, dstPart, ok := strings.Cut(payload, "->")
	if !ok {
		return h.reject(pkt, wire.CodeProtocolError, "malformed SCP payload")
	}
	srcHost, srcPath, ok := strings.Cut(srcPart, ":")
	if !ok {
		return h.reject(pkt, wire.CodeProtocolError, "malformed SCP source")
	}
	dstHost, dstPath, ok := strings.Cut(dstPart, ":")
	if !ok {
		return h.reject(pkt, wire.CodeProtocolError, "malformed SCP destination")
	}

	id, err := h.supervisor.AddCopyCommand(context.Background(), srcHost, srcHost, srcPath, dstHost, dstPath)
	if err != nil {
		return h.rejectForErr(pkt, err)
	}
	return h.accept(pkt, []byte(id))
}

// handleDelete parses "[-tNOW ]host:path".
func (h *Handler) handleDelete(pkt wire.Packet, payload string) []byte {
	now := false
	if rest, ok := strings.CutPrefix(payload, "-tNOW "); ok {
		now = true
		payload = rest
	}
	host, path, ok := strings.Cut(payload, ":")
	if !ok {
		return h.reject(pkt, wire.CodeProtocolError, "malformed SRM payload")
	}

	id, err := h.supervisor.AddDeleteCommand(context.Background(), host, host, path, now)
	if err != nil {
		return h.rejectForErr(pkt, err)
	}
	return h.accept(pkt, []byte(id))
}

// handleCancel parses "<recorder> <id>".
func (h *Handler) handleCancel(pkt wire.Packet, payload string) []byte {
	parts := strings.Fields(payload)
	if len(parts) != 2 {
		return h.reject(pkt, wire.CodeProtocolError, "malformed SCN payload, want '<recorder> <id>'")
	}
	result, err := h.supervisor.CancelCopyCommand(parts[0], parts[1])
	if err != nil {
		return h.rejectForErr(pkt, err)
	}
	return h.accept(pkt, []byte(result))
}

// reportKeys lists the per-recorder MIB keys. Each is matched together with
// its trailing "_" (e.g. "QUEUE_STATS_" vs "QUEUE_STATUS_"), so no key is a
// prefix of another and the order of the list does not affect matching.
var reportKeys = []wire.MIBKey{
	wire.MIBQueueStats, wire.MIBQueueStat, wire.MIBQueueSize,
	wire.MIBObsStatus,
	wire.MIBActiveRem, wire.MIBActiveSpd, wire.MIBActiveProg, wire.MIBActiveByte,
	wire.MIBActiveStat, wire.MIBActiveID,
}

// handleReport serves the MIB keys. SUMMARY returns the Supervisor's global
// status; INFO, LASTLOG, SUBSYSTEM, SERIALNO and VERSION all answer with
// this handler's own subsystem id. Per-recorder keys (OBSSTATUS, QUEUE_*, ACTIVE_*) expand
// against the named recorder's status; QUEUE_ENTRY is the one per-job key
// and is resolved across all recorders via Supervisor.JobStatus.
func (h *Handler) handleReport(pkt wire.Packet, mib string) []byte {
	switch wire.MIBKey(mib) {
	case wire.MIBSummary:
		return h.accept(pkt, []byte(h.supervisor.GlobalStatus()))
	case wire.MIBInfo, wire.MIBLastLog, wire.MIBSubsystem, wire.MIBSerialNo, wire.MIBVersion:
		return h.accept(pkt, []byte(h.sender))
	}

	if suffix, ok := strings.CutPrefix(mib, string(wire.MIBQueueEntry)+"_"); ok {
		result, found := h.supervisor.JobStatus(suffix)
		if !found {
			return h.reject(pkt, wire.CodeProtocolError, "unknown job "+suffix)
		}
		return h.accept(pkt, []byte(result))
	}

	for _, key := range reportKeys {
		prefix := string(key) + "_"
		suffix, ok := strings.CutPrefix(mib, prefix)
		if !ok {
			continue
		}
		status, found := h.supervisor.RecorderStatus(suffix)
		if !found {
			return h.reject(pkt, wire.CodeProtocolError, "unknown recorder "+suffix)
		}
		return h.accept(pkt, []byte(reportField(key, status)))
	}

	return h.reject(pkt, wire.CodeProtocolError, "unknown MIB key "+mib)
}

func reportField(key wire.MIBKey, status statusapi.RecorderStatus) string {
	switch key {
	case wire.MIBObsStatus:
		return strconv.FormatBool(status.ObsStatus)
	case wire.MIBQueueSize:
		return strconv.Itoa(status.QueueSize)
	case wire.MIBQueueStat:
		return status.QueueState
	case wire.MIBQueueStats:
		return fmt.Sprintf("size=%d state=%s", status.QueueSize, status.QueueState)
	case wire.MIBActiveID:
		return status.ActiveID
	case wire.MIBActiveStat:
		return status.ActiveStatus
	case wire.MIBActiveByte:
		return status.ActiveBytes
	case wire.MIBActiveProg:
		return status.ActiveProgress
	case wire.MIBActiveSpd:
		return status.ActiveSpeed
	case wire.MIBActiveRem:
		return status.ActiveRemaining
	}
	return ""
}

func (h *Handler) accept(pkt wire.Packet, body []byte) []byte {
	return wire.Encode(pkt.Sender, h.sender, pkt.Command, pkt.Reference,
		wire.EncodeReply(true, h.supervisor.GlobalStatus(), body))
}

func (h *Handler) reject(pkt wire.Packet, code, msg string) []byte {
	body := []byte(code + " " + msg)
	return wire.Encode(pkt.Sender, h.sender, pkt.Command, pkt.Reference,
		wire.EncodeReply(false, h.supervisor.GlobalStatus(), body))
}

func (h *Handler) rejectForErr(pkt wire.Packet, err error) []byte {
	switch {
	case errors.Is(err, errs.ErrProcessBusy):
		return h.reject(pkt, wire.CodeBusyState, err.Error())
	case errors.Is(err, errs.ErrNotInitialized):
		return h.reject(pkt, wire.CodeNotInitialized, err.Error())
	default:
		return h.reject(pkt, wire.CodeProtocolError, err.Error())
	}
}
