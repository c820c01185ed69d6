package router

import (
	"context"
	"errors"
	"math"
	"time"

	"proxvoice/internal/protocol"
	"proxvoice/internal/session"
	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

func (r *Router) bind(conn interfaces.Connection, env protocol.Envelope, dst any) bool {
	if err := env.Bind(dst); err != nil {
		r.stats.malformed.Add(1)
		r.sendError(conn, "malformed frame", env.Type)
		return false
	}
	return true
}

// secondsUntil rounds up so a client never shows a code as expired early.
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// attach joins req and binds conn to the new device. A device the
// connection carried before is detached only after the new one is in place,
// so rebinding within one session never destroys it.
func (r *Router) attach(conn interfaces.Connection, req session.JoinRequest) (session.JoinResult, error) {
	req.Conn = conn
	res, err := r.sessions.Join(req)
	if err != nil {
		return res, err
	}
	if _, prev, ok := conn.Identity(); ok {
		if _, err := r.sessions.Leave(prev, session.ReasonLeave); err != nil && !errors.Is(err, session.ErrDeviceNotFound) {
			r.log.Warnw("detach previous device failed", "device", prev, "error", err)
		}
	}
	conn.SetIdentity(req.UUID, res.DeviceID, req.DeviceType)
	return res, nil
}

// linkingFailure picks the client-facing text for a failed code check.
func linkingFailure(err error) string {
	for _, known := range []error{
		session.ErrNoLinkingCode,
		session.ErrLinkingCodeExpired,
		session.ErrInvalidLinkingCode,
		session.ErrPlayerNotFound,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return session.ErrLinkingFailed.Error()
}

// joinFailure maps a join error onto a join_confirm reason.
func joinFailure(err error) string {
	switch {
	case errors.Is(err, session.ErrServerFull):
		return "server_full"
	case errors.Is(err, types.ErrInvalidUUID):
		return "invalid_uuid"
	case errors.Is(err, types.ErrInvalidName):
		return "invalid_name"
	default:
		return "join_failed"
	}
}

func (r *Router) handleJoin(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.JoinFrame
	if !r.bind(conn, env, &f) {
		return
	}
	deviceType := types.ParseDeviceType(f.DeviceType)

	if r.gate != nil {
		if err := r.gate.Admit(f.Name, f.UUID, f.Token); err != nil {
			r.log.Infow("join refused", "player", f.UUID, "name", f.Name, "reason", err)
			r.send(conn, protocol.JoinConfirm{Type: types.MessageTypeJoinConfirm, Reason: err.Error()})
			return
		}
	}

	res, err := r.attach(conn, session.JoinRequest{
		UUID:        f.UUID,
		Name:        f.Name,
		Version:     f.Version,
		DeviceType:  deviceType,
		LinkingCode: f.LinkingCode,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrLinkingRequired):
		r.send(conn, protocol.LinkingRequired{
			Type:    types.MessageTypeLinkingRequired,
			Message: "enter the linking code shown in game",
		})
		return
	case errors.Is(err, session.ErrLinkingFailed):
		r.send(conn, protocol.LinkingResult{Type: types.MessageTypeLinkingResult, Error: linkingFailure(err)})
		return
	default:
		r.send(conn, protocol.JoinConfirm{Type: types.MessageTypeJoinConfirm, Reason: joinFailure(err)})
		return
	}

	now := r.now()
	cfg := r.client
	others := make([]types.PeerInfo, 0, len(res.Others))
	for _, o := range res.Others {
		others = append(others, o.Peer())
	}
	confirm := protocol.JoinConfirm{
		Type:         types.MessageTypeJoinConfirm,
		Success:      true,
		DeviceID:     res.DeviceID,
		DeviceType:   deviceType,
		Config:       &cfg,
		OtherPlayers: others,
	}
	if res.LinkingCode != "" {
		confirm.LinkingCode = res.LinkingCode
		confirm.LinkingCodeExpires = res.LinkingExpires.UnixMilli()
	}
	r.send(conn, confirm)

	if deviceType == types.DeviceWorldClient && res.LinkingCode != "" {
		r.send(conn, protocol.LinkingCode{
			Type:      types.MessageTypeLinkingCode,
			Code:      res.LinkingCode,
			ExpiresIn: secondsUntil(now, res.LinkingExpires),
		})
	}

	if res.Created {
		r.broadcastEvent(types.PlayerEventJoin, res.Player, r.sessions.Count())
	}
}

// handleSubmitLinkingCode attaches a companion device to an existing session.
func (r *Router) handleSubmitLinkingCode(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.LinkingCodeFrame
	if !r.bind(conn, env, &f) {
		return
	}
	deviceType := types.ParseDeviceType(f.DeviceType)
	if deviceType == types.DeviceWorldClient {
		r.send(conn, protocol.LinkingResult{
			Type:  types.MessageTypeLinkingResult,
			Error: "world clients join with player_join",
		})
		return
	}

	res, err := r.attach(conn, session.JoinRequest{
		UUID:            f.UUID,
		DeviceType:      deviceType,
		LinkingCode:     f.Code,
		RequireExisting: true,
	})
	if err != nil {
		r.send(conn, protocol.LinkingResult{Type: types.MessageTypeLinkingResult, Error: linkingFailure(err)})
		return
	}
	r.send(conn, protocol.LinkingResult{
		Type:     types.MessageTypeLinkingResult,
		Success:  true,
		DeviceID: res.DeviceID,
	})
}

// handleGetLinkingCode returns the pending code. The position source may
// ask for a fresh one once the previous code was used or expired.
func (r *Router) handleGetLinkingCode(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	uuid, deviceID, _ := conn.Identity()
	linker := r.sessions.Linker()

	code, secs, ok := linker.Peek(uuid)
	if !ok {
		if !r.sessions.IsAuthority(uuid, deviceID) {
			r.sendError(conn, session.ErrNoLinkingCode.Error(), env.Type)
			return
		}
		var expires time.Time
		code, expires = linker.Issue(uuid)
		secs = secondsUntil(r.now(), expires)
	}
	r.send(conn, protocol.LinkingCode{Type: types.MessageTypeLinkingCode, Code: code, ExpiresIn: secs})
}

// handleLeave detaches the sending device only. The session and its other
// devices stay until the last one leaves.
func (r *Router) handleLeave(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	_, deviceID, _ := conn.Identity()
	if _, err := r.sessions.Leave(deviceID, session.ReasonLeave); err != nil {
		r.sendError(conn, err.Error(), env.Type)
		return
	}
	conn.ClearIdentity(deviceID)
}

// handlePlayerUpdate applies position from the position source and state
// from any attached device, then tells everyone else.
// FUNCTIONAL DISCOVERY: A position from a non-authoritative device is
// dropped silently; state fields in the same frame still apply
func (r *Router) handlePlayerUpdate(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.PlayerUpdateFrame
	if !r.bind(conn, env, &f) {
		return
	}
	uuid, deviceID, _ := conn.Identity()
	changed := false

	if f.Position != nil || f.Dimension != "" {
		ok := true
		pos := f.Position
		if pos == nil {
			// dimension-only updates keep the last known position
			snap, found := r.sessions.Get(uuid)
			ok = found && snap.Located
			pos = &snap.Position
		}
		if ok {
			err := r.sessions.UpdatePosition(uuid, deviceID, *pos, f.Dimension)
			switch {
			case err == nil:
				changed = true
			case errors.Is(err, session.ErrUnauthoritative):
				r.stats.unauthoritative.Add(1)
			default:
				r.sendError(conn, err.Error(), env.Type)
				return
			}
		}
	}

	if f.Rotation != nil || f.TeamID.Set || f.IsMuted != nil {
		if _, err := r.sessions.UpdateState(uuid, session.StateUpdate{
			Rotation: f.Rotation,
			TeamID:   f.TeamID.Ptr(),
			Muted:    f.IsMuted,
		}); err != nil {
			r.sendError(conn, err.Error(), env.Type)
			return
		}
		changed = true
	}

	if !changed {
		_ = r.sessions.Heartbeat(uuid)
		return
	}
	if snap, ok := r.sessions.Get(uuid); ok {
		r.broadcastPlayerUpdate(snap)
	}
}

func (r *Router) handleTeamChange(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.TeamChangeFrame
	if !r.bind(conn, env, &f) {
		return
	}
	team := ""
	if f.TeamID != nil {
		team = *f.TeamID
	}
	snap, err := r.sessions.SetTeam(env.UUID, team)
	if err != nil {
		r.sendError(conn, err.Error(), env.Type)
		return
	}
	r.broadcastPlayerUpdate(snap)
}

// handleMute cuts audio between the sender and target in both directions.
// Whichever side was hearing the other right now gets an audio_stop so no
// speaker is left dangling.
func (r *Router) handleMute(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.MuteFrame
	if !r.bind(conn, env, &f) {
		return
	}
	if err := r.sessions.Mute(env.UUID, f.Target); err != nil {
		r.sendError(conn, err.Error(), env.Type)
		return
	}
	r.cutAudience(f.Target, env.UUID)
	r.cutAudience(env.UUID, f.Target)
}

// cutAudience removes listener from speaker's current audience and tells it
// the speaker stopped.
func (r *Router) cutAudience(speaker, listener string) {
	conns, ok := r.audiences.removeListener(speaker, listener)
	if !ok {
		return
	}
	if snap, found := r.sessions.Get(speaker); found {
		r.stopFor(speakerOf(snap), map[string][]interfaces.Connection{listener: conns})
	}
}

func (r *Router) handleUnmute(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.MuteFrame
	if !r.bind(conn, env, &f) {
		return
	}
	if err := r.sessions.Unmute(env.UUID, f.Target); err != nil {
		r.sendError(conn, err.Error(), env.Type)
	}
}

func (r *Router) handleHeartbeat(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	if err := r.sessions.Heartbeat(env.UUID); err != nil {
		r.sendError(conn, err.Error(), env.Type)
	}
}

func (r *Router) handleReportLatency(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.LatencyFrame
	if !r.bind(conn, env, &f) {
		return
	}
	if err := r.bitrate.ReportLatency(env.UUID, f.Latency); err != nil {
		r.sendError(conn, err.Error(), env.Type)
	}
}

func (r *Router) handleReportPacketLoss(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.PacketLossFrame
	if !r.bind(conn, env, &f) {
		return
	}
	if err := r.bitrate.ReportPacketLoss(env.UUID, f.PacketLoss); err != nil {
		r.sendError(conn, err.Error(), env.Type)
	}
}
