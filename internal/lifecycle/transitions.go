package lifecycle

import (
	"context"
	"time"

	"wa-gateway-lite/internal/engine"
	"wa-gateway-lite/internal/model"
)

func (m *Manager) handleEvent(ev engine.Event) {
	halted := m.Status().Halted

	switch ev.Type {
	case engine.EventQR:
		if halted {
			m.logger.Debug("lifecycle.qr.ignored_halted")
			return
		}
		m.update(func(s *model.Status) {
			s.State = model.StatePairingRequired
			s.QR = ev.QR
			s.Progress = 0
			s.ProgressMessage = ""
			s.Reason = ""
		})

	case engine.EventAuthenticated:
		if halted {
			m.logger.Warn("lifecycle.authenticated.ignored_halted")
			return
		}
		// Persist before anyone can observe AUTHENTICATED.
		m.persist(ev.Session, "authenticated")
		m.policy.cancel()
		m.update(func(s *model.Status) {
			s.State = model.StateAuthenticated
			s.QR = ""
			s.Reason = ""
		})

	case engine.EventSessionRefresh:
		if halted {
			return
		}
		m.persist(ev.Session, "session_refresh")

	case engine.EventLoadingProgress:
		switch m.Status().State {
		case model.StateReady, model.StateAuthFailed, model.StateDisconnected:
			m.logger.Debug("lifecycle.progress.ignored", "percent", ev.Percent)
			return
		}
		m.update(func(s *model.Status) {
			s.State = model.StateSynchronizing
			s.Progress = clampPercent(ev.Percent)
			s.ProgressMessage = ev.Message
		})

	case engine.EventReady:
		if halted {
			m.logger.Warn("lifecycle.ready.ignored_halted")
			return
		}
		m.policy.cancel()
		m.update(func(s *model.Status) {
			s.State = model.StateReady
			s.QR = ""
			s.Progress = 100
			s.ProgressMessage = ""
			s.Reason = ""
			s.Attempts = 0
		})

	case engine.EventAuthFailure:
		m.policy.cancel()
		m.update(func(s *model.Status) {
			s.State = model.StateAuthFailed
			s.QR = ""
			s.Reason = ev.Message
		})
		if m.opts.AuthFailureRetry && !halted {
			m.scheduleReconnect()
		}

	case engine.EventDisconnected:
		m.handleDisconnect(ev.Reason)

	case engine.EventMessage:
		if ev.Incoming != nil && m.opts.OnMessage != nil {
			m.opts.OnMessage(m.ctx, *ev.Incoming)
		}

	default:
		m.logger.Warn("lifecycle.event.unknown", "type", string(ev.Type))
	}
}

func (m *Manager) persist(session []byte, source string) {
	if len(session) == 0 {
		m.logger.Debug("lifecycle.persist.empty", "source", source)
		return
	}
	if err := m.opts.Store.Save(m.ctx, m.opts.Key, session); err != nil {
		// The next session_refresh retries the write.
		m.logger.Error("lifecycle.persist.error", "source", source, "error", err)
	}
}

// handleDisconnect moves to DISCONNECTED and decides whether a retry is
// owed. A logout halts the machine and drops the stored session.
func (m *Manager) handleDisconnect(reason string) {
	if reason == "" {
		reason = "UNKNOWN"
	}
	if reason == engine.ReasonLogout {
		m.policy.cancel()
		if err := m.opts.Store.Delete(m.ctx, m.opts.Key); err != nil {
			m.logger.Error("lifecycle.logout.delete_error", "error", err)
		}
		m.update(func(s *model.Status) {
			s.State = model.StateDisconnected
			s.Reason = reason
			s.QR = ""
			s.Halted = true
		})
		return
	}

	// A rejected session is not retried behind the operator's back.
	if cur := m.Status(); cur.State == model.StateAuthFailed && !m.opts.AuthFailureRetry {
		m.logger.Warn("lifecycle.disconnect.after_auth_failure", "reason", reason, "auth_reason", cur.Reason)
		return
	}

	st := m.update(func(s *model.Status) {
		s.State = model.StateDisconnected
		s.Reason = reason
		s.QR = ""
	})
	if st.Halted {
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	st := m.Status()
	if limit := m.opts.MaxReconnectAttempts; limit > 0 && st.Attempts >= limit && !m.policy.pending {
		m.logger.Error("lifecycle.reconnect.exhausted", "attempts", st.Attempts)
		m.update(func(s *model.Status) {
			s.State = model.StateDisconnected
			s.Reason = ReasonRetriesExhausted
			s.Halted = true
		})
		return
	}
	if !m.policy.schedule(func(tok uint64) { m.enqueue(item{timer: tok}) }) {
		m.logger.Debug("lifecycle.reconnect.already_pending")
		return
	}
	m.logger.Info("lifecycle.reconnect.scheduled", "delay", m.opts.ReconnectDelay.String())
	m.update(func(*model.Status) {})
}

func (m *Manager) handleTimer(tok uint64) {
	if !m.policy.fired(tok) {
		m.logger.Debug("lifecycle.reconnect.stale_timer", "token", tok)
		return
	}
	if m.Status().Halted {
		return
	}
	m.opts.Metrics.Reconnect()
	m.update(func(s *model.Status) {
		s.State = model.StateReconnecting
		s.Attempts++
		s.QR = ""
	})

	m.mu.RLock()
	eng := m.eng
	m.mu.RUnlock()
	if eng == nil {
		m.startEngine()
		return
	}
	m.initialize(eng, m.gen)
}

func (m *Manager) handleInit(res *initResult) {
	if res.attempt != m.attempt {
		m.logger.Debug("lifecycle.initialize.superseded", "attempt", res.attempt, "current", m.attempt, "error", res.err)
		return
	}
	state := m.Status().State
	if res.err != nil {
		switch state {
		case model.StatePairingRequired, model.StateAuthenticated, model.StateSynchronizing, model.StateReady:
			// The engine already reported progress for this attempt.
			m.logger.Warn("lifecycle.initialize.late_error", "state", string(state), "error", res.err)
			return
		}
		m.logger.Warn("lifecycle.initialize.error", "error", res.err)
		m.handleDisconnect(engine.ReasonInitFailed)
		return
	}
	if state == model.StateReconnecting {
		m.update(func(s *model.Status) {
			s.State = model.StateInitializing
		})
	}
}

func (m *Manager) handleCommand(cmd *command) {
	var reply commandReply
	switch cmd.kind {
	case cmdReset:
		reply = m.reset(cmd.clearSession)
	case cmdLogout:
		reply = m.logout()
	}
	cmd.reply <- reply
}

// reset cancels the pending timer and destroys the current engine before
// a new one is created, so two instances never share the session.
func (m *Manager) reset(clearSession bool) commandReply {
	m.policy.cancel()
	m.destroyEngine()

	var err error
	if clearSession {
		err = m.opts.Store.Delete(m.ctx, m.opts.Key)
		if err != nil {
			m.logger.Error("lifecycle.reset.delete_error", "error", err)
		}
	}
	m.logger.Info("lifecycle.reset", "clear_session", clearSession)
	m.update(func(s *model.Status) {
		*s = model.Status{State: model.StateInitializing}
	})
	m.startEngine()
	return commandReply{status: m.Status(), err: err}
}

func (m *Manager) logout() commandReply {
	m.policy.cancel()
	st := m.Status()

	m.mu.RLock()
	eng := m.eng
	m.mu.RUnlock()
	if eng != nil && !(st.Halted && st.Reason == engine.ReasonLogout) {
		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		if err := eng.Logout(ctx); err != nil {
			m.logger.Warn("lifecycle.logout.engine_error", "error", err)
		}
		cancel()
	}

	err := m.opts.Store.Delete(m.ctx, m.opts.Key)
	if err != nil {
		m.logger.Error("lifecycle.logout.delete_error", "error", err)
	}
	status := m.update(func(s *model.Status) {
		s.State = model.StateDisconnected
		s.Reason = engine.ReasonLogout
		s.QR = ""
		s.Halted = true
	})
	return commandReply{status: status, err: err}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
