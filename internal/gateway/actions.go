package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/session"
	"github.com/agentpager/agentpager/internal/store"
	"github.com/agentpager/agentpager/pkg/protocol"
)

// replayLimit caps resume_from_seq replay; clients further behind get a
// session_snapshot and resync instead.
const replayLimit = 500

const actionTimeout = 30 * time.Second

// HandleAction dispatches one validated client action. t is the transport the
// action arrived on, used for direct replies.
func (o *Orchestrator) HandleAction(t Sender, clientID string, action *protocol.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	o.logger.Debug("client action",
		zap.String("client_id", clientID), zap.String("type", action.Type))

	switch action.Type {
	case protocol.ActionApprove:
		var p protocol.ApprovePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleApprove(ctx, t, clientID, &p)

	case protocol.ActionDeny:
		var p protocol.DenyPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		if !o.blocker.Deny(p.RequestID, p.Reason) {
			o.sendClientError(t, clientID, "no pending request "+p.RequestID)
		}

	case protocol.ActionEditApprove:
		var p protocol.ApprovePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleEditApprove(ctx, t, clientID, &p)

	case protocol.ActionBatchApprove:
		var p protocol.BatchApprovePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		for _, id := range p.RequestIDs {
			o.blocker.Approve(id)
		}

	case protocol.ActionTextInput:
		var p protocol.TextInputPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleTextInput(ctx, t, clientID, &p, false)

	case protocol.ActionTerminalInput:
		var p protocol.TextInputPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleTextInput(ctx, t, clientID, &p, true)

	case protocol.ActionStop:
		var p protocol.StopPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleStop(ctx, t, clientID, &p)

	case protocol.ActionPause:
		for _, sess := range o.sessions.ListActive() {
			if sess.TmuxSession != "" {
				o.mux.SendInterrupt(ctx, sess.TmuxSession)
			}
		}

	case protocol.ActionStartSession:
		var p protocol.StartSessionPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleStartSession(ctx, t, clientID, &p)

	case protocol.ActionResumeFromSeq:
		var p protocol.ResumeFromSeqPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return
		}
		o.handleResume(ctx, t, clientID, &p)

	case protocol.ActionAuth:
		// Consumed by the transport; nothing to do here.

	default:
		o.sendClientError(t, clientID, "unhandled action "+action.Type)
	}
}

// handleApprove resolves a pending request. Dangerous approvals wait a short
// undo window first; a deny landing inside it wins. Scopes broader than once
// also insert a trust rule so the same tool stops asking.
func (o *Orchestrator) handleApprove(ctx context.Context, t Sender, clientID string, p *protocol.ApprovePayload) {
	pending, err := o.store.GetPending(ctx, p.RequestID)
	if err != nil {
		o.sendClientError(t, clientID, "no pending request "+p.RequestID)
		return
	}

	if p.Scope == protocol.ScopeSession || p.Scope == protocol.ScopeGlobal {
		rule := &store.TrustRule{
			Tool:    pending.Tool,
			RiskMax: pending.Risk,
			Scope:   p.Scope,
		}
		if p.Scope == protocol.ScopeSession {
			rule.SessionID = pending.SessionID
		}
		if _, err := o.store.AddTrustRule(ctx, rule); err != nil {
			o.logger.Warn("failed to insert trust rule", zap.Error(err))
		}
	}

	if pending.Risk == "dangerous" {
		requestID := p.RequestID
		time.AfterFunc(undoDelay, func() {
			o.blocker.Approve(requestID)
		})
		return
	}
	o.blocker.Approve(p.RequestID)
}

// handleEditApprove records the client-edited tool input on the pending row,
// then approves. The hook response shape is unchanged; the edit exists for
// the audit trail and for clients catching up later.
func (o *Orchestrator) handleEditApprove(ctx context.Context, t Sender, clientID string, p *protocol.ApprovePayload) {
	pending, err := o.store.GetPending(ctx, p.RequestID)
	if err != nil {
		o.sendClientError(t, clientID, "no pending request "+p.RequestID)
		return
	}

	var payload protocol.PermissionRequestPayload
	if err := json.Unmarshal(pending.Payload, &payload); err == nil {
		payload.ToolInput = p.EditedInput
		if body, err := json.Marshal(&payload); err == nil {
			if err := o.store.UpdatePendingPayload(ctx, p.RequestID, body); err != nil {
				o.logger.Warn("failed to record edited input",
					zap.String("request_id", p.RequestID), zap.Error(err))
			}
		}
	}

	o.blocker.Approve(p.RequestID)
}

// handleTextInput routes text to a session's terminal. raw skips the
// trailing Enter, for interactive prompts.
func (o *Orchestrator) handleTextInput(ctx context.Context, t Sender, clientID string, p *protocol.TextInputPayload, raw bool) {
	sess, ok := o.targetSession(p.SessionID)
	if !ok || sess.TmuxSession == "" {
		o.sendClientError(t, clientID, "no session to send input to")
		return
	}

	var sent bool
	if raw {
		sent = o.mux.SendRaw(ctx, sess.TmuxSession, p.Text)
	} else {
		sent = o.mux.SendText(ctx, sess.TmuxSession, p.Text)
	}
	if !sent {
		o.sendClientError(t, clientID, "failed to deliver input to "+sess.TmuxSession)
		return
	}
	// Text answering a user_question unblocks the agent.
	if sess.Status == store.StatusWaiting {
		o.setStatus(ctx, sess.ID, store.StatusRunning)
	}
}

func (o *Orchestrator) handleStop(ctx context.Context, t Sender, clientID string, p *protocol.StopPayload) {
	var targets []*session.Session
	if p.SessionID != "" {
		sess, ok := o.sessions.Get(p.SessionID)
		if !ok {
			o.sendClientError(t, clientID, "unknown session "+p.SessionID)
			return
		}
		targets = []*session.Session{sess}
	} else {
		targets = o.sessions.ListActive()
	}

	for _, sess := range targets {
		o.stopSession(ctx, sess, p.Force)
	}
}

// stopSession ends one session: cancel its pending approvals, stop the agent
// process (kill or graceful exit), broadcast session_end, transition stopped.
func (o *Orchestrator) stopSession(ctx context.Context, sess *session.Session, force bool) {
	o.blocker.CancelSession(sess.ID)

	if sess.TmuxSession != "" {
		if force {
			o.mux.KillSession(ctx, sess.TmuxSession)
		} else if ad, ok := o.registry.Get(sess.Agent); ok && ad.ExitCommand() != "" {
			o.mux.SendText(ctx, sess.TmuxSession, ad.ExitCommand())
		} else {
			o.mux.KillSession(ctx, sess.TmuxSession)
		}
	}

	if err := o.store.ClearSessionTrustRules(ctx, sess.ID); err != nil {
		o.logger.Warn("failed to clear session trust rules",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	o.broadcastEvent(ctx, protocol.EventSessionEnd, sess.ID, &protocol.SessionUpdatePayload{
		Status: store.StatusStopped,
	})
	o.setStatus(ctx, sess.ID, store.StatusStopped)
}

func (o *Orchestrator) handleStartSession(ctx context.Context, t Sender, clientID string, p *protocol.StartSessionPayload) {
	ad, ok := o.registry.Get(p.Agent)
	if !ok {
		o.sendClientError(t, clientID, "unknown agent "+p.Agent)
		return
	}

	sess, err := o.sessions.Create(ctx, session.CreateRequest{
		Agent: p.Agent,
		Task:  p.Task,
		Cwd:   p.Cwd,
	})
	if err != nil {
		o.sendClientError(t, clientID, err.Error())
		return
	}

	launch := ad.BuildLaunchCommand(p.Task, p.Flags)
	if err := o.mux.NewSession(ctx, sess.TmuxSession, p.Cwd, launch.Argv); err != nil {
		o.setStatus(ctx, sess.ID, store.StatusError)
		o.broadcastEvent(ctx, protocol.EventError, sess.ID, &protocol.ErrorPayload{
			Code:        "LAUNCH_FAILED",
			Message:     err.Error(),
			Recoverable: false,
		})
		return
	}

	o.setStatus(ctx, sess.ID, store.StatusRunning)
	o.broadcastEvent(ctx, protocol.EventSessionStart, sess.ID, sessionInfo(sess))
}

// handleResume replays persisted events after a client-supplied seq. Clients
// too far behind get a session_snapshot to resync from instead.
func (o *Orchestrator) handleResume(ctx context.Context, t Sender, clientID string, p *protocol.ResumeFromSeqPayload) {
	events, err := o.store.EventsSince(ctx, p.SessionID, p.AfterSeq, replayLimit+1)
	if err != nil {
		o.sendClientError(t, clientID, "replay failed: "+err.Error())
		return
	}

	if len(events) > replayLimit {
		active := o.sessions.ListActive()
		list := &protocol.SessionListPayload{Sessions: make([]protocol.SessionInfo, 0, len(active))}
		for _, sess := range active {
			list.Sessions = append(list.Sessions, *sessionInfo(sess))
		}
		t.SendTo(clientID, protocol.EventSessionSnapshot, p.SessionID, list)
		return
	}

	for _, ev := range events {
		t.SendTo(clientID, ev.EventType, ev.SessionID, ev.Payload)
	}
}

// targetSession resolves an optional session id, defaulting to any active
// session.
func (o *Orchestrator) targetSession(id string) (*session.Session, bool) {
	if id != "" {
		return o.sessions.Get(id)
	}
	active := o.sessions.ListActive()
	if len(active) == 0 {
		return nil, false
	}
	return active[0], true
}

func (o *Orchestrator) sendClientError(t Sender, clientID, message string) {
	t.SendTo(clientID, protocol.EventError, "", &protocol.ErrorPayload{
		Code:        protocol.ErrCodeProtocol,
		Message:     message,
		Recoverable: true,
	})
}
