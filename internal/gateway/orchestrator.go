// Package gateway wires the stores, classifiers, transports, and the approval
// blocker into the hook-event and client-action flows.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/agent/adapter"
	"github.com/agentpager/agentpager/internal/approval"
	"github.com/agentpager/agentpager/internal/common/config"
	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/internal/diffgen"
	"github.com/agentpager/agentpager/internal/hook"
	"github.com/agentpager/agentpager/internal/risk"
	"github.com/agentpager/agentpager/internal/session"
	"github.com/agentpager/agentpager/internal/store"
	"github.com/agentpager/agentpager/pkg/protocol"
)

// askUserTool is the interactive-question tool; its permission hooks become
// user_question events instead of approval requests.
const askUserTool = "AskUserQuestion"

// undoDelay is how long a dangerous approval stays revocable before it
// resolves the blocked hook.
const undoDelay = 2 * time.Second

// Session retention for the prune loop.
const (
	pruneInterval  = 24 * time.Hour
	pruneRetention = 30 * 24 * time.Hour
)

// Sender is the transport surface events fan out through. Both the LAN hub
// and the relay client satisfy it.
type Sender interface {
	Broadcast(eventType, sessionID string, payload interface{})
	SendTo(clientID, eventType, sessionID string, payload interface{})
}

// Mux is the multiplexer surface the orchestrator drives.
type Mux interface {
	NewSession(ctx context.Context, name, cwd string, argv []string) error
	SendText(ctx context.Context, name, text string) bool
	SendRaw(ctx context.Context, name, text string) bool
	SendInterrupt(ctx context.Context, name string) bool
	KillSession(ctx context.Context, name string) bool
	CapturePane(ctx context.Context, name string, lines int) (string, error)
}

// Orchestrator owns the event flows between hooks, the store, and clients.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	sessions *session.Manager
	blocker  *approval.Blocker
	registry *adapter.Registry
	mux      Mux
	logger   *logger.Logger

	transports  []Sender
	clientCount func() int

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an orchestrator. Transports attach afterwards, before Start.
func New(cfg *config.Config, st *store.Store, sessions *session.Manager, blocker *approval.Blocker,
	registry *adapter.Registry, mux Mux, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		blocker:   blocker,
		registry:  registry,
		mux:       mux,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		startedAt: time.Now(),
	}
}

// AttachTransport adds a broadcast target. Not safe after Start.
func (o *Orchestrator) AttachTransport(t Sender) {
	o.transports = append(o.transports, t)
}

// SetClientCounter wires the LAN client count into health snapshots.
func (o *Orchestrator) SetClientCounter(fn func() int) { o.clientCount = fn }

// Start launches the background prune loop.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.pruneLoop(ctx)
}

// Stop denies all pending approvals and stops background work. Transports
// and the store are closed by the caller, after this returns.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.blocker.Shutdown()
	o.wg.Wait()
}

func (o *Orchestrator) pruneLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.store.PruneSessions(ctx, time.Now().Add(-pruneRetention))
			if err != nil {
				o.logger.Warn("session prune failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Info("pruned old sessions", zap.Int64("count", n))
			}
		}
	}
}

// Health returns the /api/health snapshot.
func (o *Orchestrator) Health() map[string]interface{} {
	snapshot := map[string]interface{}{
		"status":          "ok",
		"activeSessions":  o.sessions.Size(),
		"pendingRequests": o.blocker.Size(),
		"uptimeSeconds":   int(time.Since(o.startedAt).Seconds()),
	}
	if o.clientCount != nil {
		snapshot["clients"] = o.clientCount()
	}
	return snapshot
}

// HandleHook is the hook server's event handler. Permission requests block
// until resolution; everything else returns immediately.
func (o *Orchestrator) HandleHook(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *hook.BlockResult {
	sess, err := o.locateSession(ctx, ad, ev)
	if err != nil {
		o.logger.Error("failed to locate session for hook",
			zap.String("agent", ad.Name()), zap.Error(err))
		return &hook.BlockResult{Blocked: true, Reason: "session unavailable"}
	}

	if ev.AgentSession != "" {
		o.sessions.MapAgentSession(ev.AgentSession, sess.ID)
	}
	if ev.TmuxSession != "" && ev.TmuxSession != sess.TmuxSession {
		if err := o.sessions.SetTmuxSession(ctx, sess.ID, ev.TmuxSession); err != nil {
			o.logger.Warn("failed to update tmux session name",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	switch ev.Kind {
	case adapter.EventPermissionRequest:
		return o.handlePermission(ctx, ad, sess, ev)

	case adapter.EventToolComplete:
		o.broadcastEvent(ctx, protocol.EventToolComplete, sess.ID, &protocol.ToolCompletePayload{
			ToolName:  ev.Tool,
			ToolInput: ev.ToolInput,
		})

	case adapter.EventNotification:
		// Tool-completion echoes arrive through the tool_complete path;
		// empty bodies carry nothing worth broadcasting.
		if ev.Message == "" || ev.Tool != "" {
			return nil
		}
		o.broadcastEvent(ctx, protocol.EventMessage, sess.ID, &protocol.MessagePayload{Text: ev.Message})

	case adapter.EventStop:
		o.handleAgentStop(ctx, ad, sess)

	case adapter.EventError:
		o.broadcastEvent(ctx, protocol.EventError, sess.ID, &protocol.ErrorPayload{
			Code:        "AGENT_ERROR",
			Message:     ev.Message,
			Recoverable: true,
		})

	case adapter.EventProgress:
		// Ack only.
	}
	return nil
}

// locateSession resolves the session a hook event belongs to: alias lookup,
// then any active session for the agent, then auto-create.
func (o *Orchestrator) locateSession(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) (*session.Session, error) {
	if ev.AgentSession != "" {
		if sess, ok := o.sessions.Get(ev.AgentSession); ok {
			return sess, nil
		}
	}
	if sess, ok := o.sessions.FirstActiveByAgent(ad.Name()); ok {
		return sess, nil
	}

	// First contact from an agent launched outside the gateway.
	sess, err := o.sessions.Create(ctx, session.CreateRequest{
		Agent: ad.Name(),
		Cwd:   ev.Cwd,
	})
	if err != nil {
		return nil, err
	}
	if ev.TmuxSession != "" {
		if err := o.sessions.SetTmuxSession(ctx, sess.ID, ev.TmuxSession); err != nil {
			o.logger.Warn("failed to record tmux session name",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if err := o.sessions.SetStatus(ctx, sess.ID, store.StatusRunning); err != nil {
		o.logger.Warn("failed to mark adopted session running",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	o.broadcastEvent(ctx, protocol.EventSessionStart, sess.ID, sessionInfo(sess))
	o.logger.Info("adopted session from hook",
		zap.String("session_id", sess.ID), zap.String("agent", ad.Name()))
	return sess, nil
}

// handlePermission runs the approval flow: auto-approve paths first, then
// persist + broadcast + block until a decision.
func (o *Orchestrator) handlePermission(ctx context.Context, ad adapter.Adapter, sess *session.Session, ev *adapter.NormalizedEvent) *hook.BlockResult {
	if ev.Tool == askUserTool {
		o.broadcastEvent(ctx, protocol.EventUserQuestion, sess.ID, &protocol.UserQuestionPayload{
			Questions: ev.ToolInput["questions"],
		})
		o.setStatus(ctx, sess.ID, store.StatusWaiting)
		return &hook.BlockResult{Blocked: false}
	}

	level := risk.Classify(ev.Tool, ev.ToolInput)
	target := risk.ExtractTarget(ev.Tool, ev.ToolInput)

	if (o.cfg.AutoApproveSafe || sess.AutoApprove) && level == risk.Safe {
		return &hook.BlockResult{Blocked: false}
	}

	trusted, err := o.store.CheckTrustRule(ctx, ev.Tool, target, level, sess.ID)
	if err != nil {
		o.logger.Warn("trust rule check failed", zap.Error(err))
	} else if trusted {
		o.logger.Debug("trust rule auto-approved",
			zap.String("session_id", sess.ID), zap.String("tool", ev.Tool))
		return &hook.BlockResult{Blocked: false}
	}

	pending, err := o.store.CountPendingUnresolved(ctx, sess.ID)
	if err == nil && pending >= config.MaxPendingPerSession {
		o.logger.Warn("pending approval limit reached", zap.String("session_id", sess.ID))
		return &hook.BlockResult{Blocked: true, Reason: "pending approval limit reached"}
	}

	requestID := uuid.New().String()
	payload := &protocol.PermissionRequestPayload{
		RequestID:  requestID,
		ToolName:   ev.Tool,
		ToolInput:  ev.ToolInput,
		RiskLevel:  string(level),
		Summary:    risk.Summarize(ev.Tool, ev.ToolInput),
		Target:     target,
		RawPayload: ev.Raw,
	}
	if d := diffgen.Generate(ev.Tool, ev.ToolInput, config.MaxDiffBytes); d != nil {
		payload.Diff = d
	}

	body, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("failed to encode permission payload", zap.Error(err))
		return &hook.BlockResult{Blocked: true, Reason: "internal error"}
	}
	if err := o.store.CreatePending(ctx, &store.PendingApproval{
		RequestID: requestID,
		SessionID: sess.ID,
		Tool:      ev.Tool,
		Target:    target,
		Risk:      string(level),
		Payload:   body,
	}); err != nil {
		o.logger.Error("failed to persist pending approval", zap.Error(err))
		return &hook.BlockResult{Blocked: true, Reason: "internal error"}
	}

	o.setStatus(ctx, sess.ID, store.StatusWaiting)
	o.broadcastEvent(ctx, protocol.EventPermissionRequest, sess.ID, payload)

	decision := o.blocker.WaitForApproval(ctx, requestID, sess.ID, o.cfg.ApprovalTimeout())

	resolution := "approved"
	if decision.Blocked {
		resolution = "denied"
	}
	// The hook ctx is dead when the decision is hook-lost; resolve against a
	// fresh context so the row is not left dangling.
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.ResolvePending(storeCtx, requestID, resolution); err != nil {
		o.logger.Warn("failed to resolve pending approval",
			zap.String("request_id", requestID), zap.Error(err))
	}
	if !decision.Blocked {
		o.setStatus(storeCtx, sess.ID, store.StatusRunning)
	}

	return &hook.BlockResult{Blocked: decision.Blocked, Reason: decision.Reason}
}

// handleAgentStop treats the agent's stop hook as idle-between-turns: the
// session stays alive, pending blockers are cancelled, and the agent's last
// terminal output is mined for a message broadcast.
func (o *Orchestrator) handleAgentStop(ctx context.Context, ad adapter.Adapter, sess *session.Session) {
	o.setStatus(ctx, sess.ID, store.StatusRunning)
	o.blocker.CancelSession(sess.ID)

	if sess.TmuxSession != "" {
		pane, err := o.mux.CapturePane(ctx, sess.TmuxSession, o.cfg.CaptureLines)
		if err != nil {
			o.logger.Debug("pane capture failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			if len(pane) > config.MaxTerminalBytes {
				pane = pane[len(pane)-config.MaxTerminalBytes:]
			}
			if text := extractAgentText(pane, ad.ResponseMarker()); text != "" {
				if text != o.sessions.LastBroadcastText(sess.ID) {
					o.sessions.SetLastBroadcastText(sess.ID, text)
					o.broadcastEvent(ctx, protocol.EventMessage, sess.ID, &protocol.MessagePayload{Text: text})
				}
			}
		}
	}

	o.broadcastEvent(ctx, protocol.EventSessionUpdate, sess.ID, &protocol.SessionUpdatePayload{
		Status: store.StatusRunning,
	})
}

// setStatus transitions a session, logging instead of failing: status drift
// must never break the hook path.
func (o *Orchestrator) setStatus(ctx context.Context, sessionID, status string) {
	if err := o.sessions.SetStatus(ctx, sessionID, status); err != nil {
		o.logger.Warn("status transition rejected",
			zap.String("session_id", sessionID),
			zap.String("to", status), zap.Error(err))
	}
}

// broadcastEvent allocates the session seq, persists the event, and fans it
// out through every transport. Session-less system events skip persistence.
func (o *Orchestrator) broadcastEvent(ctx context.Context, eventType, sessionID string, payload interface{}) {
	if sessionID != "" {
		body, err := json.Marshal(payload)
		if err != nil {
			o.logger.Error("failed to encode event payload",
				zap.String("type", eventType), zap.Error(err))
			return
		}
		seq := o.sessions.NextSeq(ctx, sessionID)
		if _, err := o.store.InsertEvent(ctx, sessionID, seq, eventType, body); err != nil {
			o.logger.Warn("failed to persist event",
				zap.String("session_id", sessionID),
				zap.String("type", eventType), zap.Error(err))
		}
	}
	for _, t := range o.transports {
		t.Broadcast(eventType, sessionID, payload)
	}
}

// OnClientConnect replays current state to a newly-eligible client: a
// session_list, then per active session a session_start and any unresolved
// permission requests.
func (o *Orchestrator) OnClientConnect(t Sender, clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active := o.sessions.ListActive()
	list := &protocol.SessionListPayload{Sessions: make([]protocol.SessionInfo, 0, len(active))}
	for _, sess := range active {
		list.Sessions = append(list.Sessions, *sessionInfo(sess))
	}
	t.SendTo(clientID, protocol.EventSessionList, "", list)

	for _, sess := range active {
		t.SendTo(clientID, protocol.EventSessionStart, sess.ID, sessionInfo(sess))

		pendings, err := o.store.PendingForSession(ctx, sess.ID)
		if err != nil {
			o.logger.Warn("failed to load pending approvals for state dump",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		for _, p := range pendings {
			if !o.blocker.IsPending(p.RequestID) {
				// Persisted but no live waiter; the hook died with the last
				// process. Do not advertise an unanswerable request.
				continue
			}
			t.SendTo(clientID, protocol.EventPermissionRequest, sess.ID, p.Payload)
		}
	}
}

func sessionInfo(sess *session.Session) *protocol.SessionInfo {
	return &protocol.SessionInfo{
		ID:        sess.ID,
		Agent:     sess.Agent,
		Task:      sess.Task,
		Cwd:       sess.Cwd,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
	}
}
