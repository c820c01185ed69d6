// Package router validates inbound frames, applies rate limits and session
// authorization, and dispatches each message type to its handler.
package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"proxvoice/internal/auth"
	"proxvoice/internal/bitrate"
	"proxvoice/internal/protocol"
	"proxvoice/internal/ratelimit"
	"proxvoice/internal/session"
	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

// Deps are the collaborators a Router dispatches to.
type Deps struct {
	Sessions  *session.Registry
	Limiter   *ratelimit.Limiter
	Bitrate   *bitrate.Controller
	Codec     interfaces.Codec
	Validator *protocol.Validator
	// Gate is optional; nil admits every join.
	Gate *auth.Gate
	// ClientConfig is echoed to clients in join_confirm.
	ClientConfig protocol.ClientConfig
	Now          func() time.Time
	Log          *zap.SugaredLogger
}

type handlerFunc func(ctx context.Context, conn interfaces.Connection, env protocol.Envelope)

// Router implements interfaces.FrameHandler for the voice protocol
// ARCHITECTURAL DISCOVERY: The router holds no session state of its own
// apart from who last heard each speaker; everything else is read from the
// session registry on demand
type Router struct {
	sessions  *session.Registry
	limiter   *ratelimit.Limiter
	bitrate   *bitrate.Controller
	codec     interfaces.Codec
	validator *protocol.Validator
	gate      *auth.Gate
	client    protocol.ClientConfig

	handlers  map[string]handlerFunc
	audiences *audiences

	now func() time.Time
	log *zap.SugaredLogger

	stats counters
}

type counters struct {
	framesIn        atomic.Uint64
	unknown         atomic.Uint64
	malformed       atomic.Uint64
	rateLimited     atomic.Uint64
	unauthorized    atomic.Uint64
	unauthoritative atomic.Uint64
	chunksRelayed   atomic.Uint64
	chunksDropped   atomic.Uint64
	sendFailures    atomic.Uint64
}

// NewRouter builds a router and subscribes it to session removals.
func NewRouter(d Deps) (*Router, error) {
	if d.Sessions == nil || d.Limiter == nil || d.Bitrate == nil || d.Codec == nil || d.Validator == nil {
		return nil, ErrMissingDeps
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}

	r := &Router{
		sessions:  d.Sessions,
		limiter:   d.Limiter,
		bitrate:   d.Bitrate,
		codec:     d.Codec,
		validator: d.Validator,
		gate:      d.Gate,
		client:    d.ClientConfig,
		audiences: newAudiences(),
		now:       d.Now,
		log:       d.Log,
	}
	if r.client.Codec == "" {
		r.client.Codec = d.Codec.Name()
	}

	r.handlers = map[string]handlerFunc{
		types.MessageTypePlayerJoin:        r.handleJoin,
		types.MessageTypeSubmitLinkingCode: r.handleSubmitLinkingCode,
		types.MessageTypeGetLinkingCode:    r.handleGetLinkingCode,
		types.MessageTypePlayerLeave:       r.handleLeave,
		types.MessageTypePlayerUpdate:      r.handlePlayerUpdate,
		types.MessageTypeTeamChange:        r.handleTeamChange,
		types.MessageTypeAudioStart:        r.handleAudioStart,
		types.MessageTypeAudioChunk:        r.handleAudioChunk,
		types.MessageTypeAudioStop:         r.handleAudioStop,
		types.MessageTypeMutePlayer:        r.handleMute,
		types.MessageTypeUnmutePlayer:      r.handleUnmute,
		types.MessageTypeHeartbeat:         r.handleHeartbeat,
		types.MessageTypeReportLatency:     r.handleReportLatency,
		types.MessageTypeReportPacketLoss:  r.handleReportPacketLoss,
	}

	d.Sessions.OnRemove(r.onSessionRemoved)
	return r, nil
}

// unbound frames may arrive before the connection carries a device.
func unbound(msgType string) bool {
	return msgType == types.MessageTypePlayerJoin || msgType == types.MessageTypeSubmitLinkingCode
}

// limitKey picks the identity a frame is charged to. A bound connection is
// always charged to its session so a client cannot dodge its budget by
// rotating the uuid field.
func limitKey(conn interfaces.Connection, env protocol.Envelope) string {
	if uuid, _, ok := conn.Identity(); ok {
		return uuid
	}
	if env.UUID != "" {
		return env.UUID
	}
	return "conn:" + conn.ID()
}

// HandleFrame processes one inbound frame from conn.
// FUNCTIONAL DISCOVERY: Order is validate, rate limit, authorize, dispatch.
// Unknown types are logged and dropped; malformed frames get an error reply
// and the connection stays open
func (r *Router) HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte) {
	r.stats.framesIn.Add(1)

	env, err := r.validator.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		r.stats.unknown.Add(1)
		r.log.Debugw("dropping unknown message type", "type", env.Type, "conn", conn.ID())
		return
	case err != nil:
		r.stats.malformed.Add(1)
		r.log.Debugw("malformed frame", "conn", conn.ID(), "error", err)
		r.sendError(conn, "malformed frame", env.Type)
		return
	}

	category := ratelimit.CategoryGeneral
	if env.Type == types.MessageTypeAudioChunk {
		category = ratelimit.CategoryAudio
	}
	if d := r.limiter.Check(limitKey(conn, env), category); !d.Allowed {
		r.stats.rateLimited.Add(1)
		r.send(conn, protocol.RateLimitExceeded{
			Type:       types.MessageTypeRateLimitExceeded,
			Reason:     string(d.Reason),
			RetryAfter: d.RetryAfter.Milliseconds(),
		})
		return
	}

	if !unbound(env.Type) {
		if err := authorize(conn, env); err != nil {
			r.stats.unauthorized.Add(1)
			r.sendError(conn, err.Error(), env.Type)
			return
		}
	}

	r.handlers[env.Type](ctx, conn, env)
}

// authorize requires that conn carries a device of the frame's session.
func authorize(conn interfaces.Connection, env protocol.Envelope) error {
	uuid, _, ok := conn.Identity()
	if !ok {
		return ErrNotJoined
	}
	if uuid != env.UUID {
		return ErrIdentityMismatch
	}
	return nil
}

// HandleDisconnect detaches the device bound to conn, if any.
func (r *Router) HandleDisconnect(conn interfaces.Connection) {
	_, deviceID, ok := conn.Identity()
	if !ok {
		return
	}
	if _, err := r.sessions.Leave(deviceID, session.ReasonDisconnect); err != nil && !errors.Is(err, session.ErrDeviceNotFound) {
		r.log.Warnw("detach on disconnect failed", "device", deviceID, "error", err)
	}
	conn.ClearIdentity(deviceID)
}

// send delivers v to conn. Delivery failures are counted and logged; the
// caller carries on with the remaining recipients.
func (r *Router) send(conn interfaces.Connection, v interface{}) {
	if err := conn.Send(v); err != nil {
		r.stats.sendFailures.Add(1)
		r.log.Debugw("send failed", "conn", conn.ID(), "error", err)
	}
}

func (r *Router) sendRaw(conn interfaces.Connection, data []byte) {
	if err := conn.SendRaw(data); err != nil {
		r.stats.sendFailures.Add(1)
		r.log.Debugw("send failed", "conn", conn.ID(), "error", err)
	}
}

func (r *Router) sendError(conn interfaces.Connection, message, ref string) {
	r.send(conn, protocol.Error{Type: types.MessageTypeError, Message: message, Ref: ref})
}

// Stats counts router activity since start.
type Stats struct {
	FramesIn        uint64 `json:"framesIn"`
	Unknown         uint64 `json:"unknownType"`
	Malformed       uint64 `json:"malformed"`
	RateLimited     uint64 `json:"rateLimited"`
	Unauthorized    uint64 `json:"unauthorized"`
	Unauthoritative uint64 `json:"unauthoritativePositions"`
	ChunksRelayed   uint64 `json:"audioChunksRelayed"`
	ChunksDropped   uint64 `json:"audioChunksDropped"`
	SendFailures    uint64 `json:"sendFailures"`
	ActiveSpeakers  int    `json:"activeSpeakers"`
}

// GetStats returns a copy of the router counters.
func (r *Router) GetStats() Stats {
	return Stats{
		FramesIn:        r.stats.framesIn.Load(),
		Unknown:         r.stats.unknown.Load(),
		Malformed:       r.stats.malformed.Load(),
		RateLimited:     r.stats.rateLimited.Load(),
		Unauthorized:    r.stats.unauthorized.Load(),
		Unauthoritative: r.stats.unauthoritative.Load(),
		ChunksRelayed:   r.stats.chunksRelayed.Load(),
		ChunksDropped:   r.stats.chunksDropped.Load(),
		SendFailures:    r.stats.sendFailures.Load(),
		ActiveSpeakers:  r.audiences.speakers(),
	}
}
