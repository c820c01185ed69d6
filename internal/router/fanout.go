package router

import (
	"context"
	"encoding/json"
	"sync"

	"proxvoice/internal/codec"
	"proxvoice/internal/protocol"
	"proxvoice/internal/session"
	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

// audiences remembers which listeners last received each speaker's audio
// TECHNICAL DISCOVERY: audio_stop goes to everyone who heard the speaker,
// not only to the current listener set, otherwise a listener who walked out
// of range mid-sentence keeps a speaker shown as talking forever
type audiences struct {
	mu        sync.Mutex
	bySpeaker map[string]map[string][]interfaces.Connection
}

func newAudiences() *audiences {
	return &audiences{bySpeaker: make(map[string]map[string][]interfaces.Connection)}
}

// replace stores next as speaker's audience and returns the listeners that
// were in the old audience but are not in next.
func (a *audiences) replace(speaker string, next map[string][]interfaces.Connection) map[string][]interfaces.Connection {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.bySpeaker[speaker]
	if len(next) == 0 {
		delete(a.bySpeaker, speaker)
	} else {
		a.bySpeaker[speaker] = next
	}

	var departed map[string][]interfaces.Connection
	for id, conns := range prev {
		if _, still := next[id]; still {
			continue
		}
		if departed == nil {
			departed = make(map[string][]interfaces.Connection)
		}
		departed[id] = conns
	}
	return departed
}

// take removes and returns speaker's audience.
func (a *audiences) take(speaker string) map[string][]interfaces.Connection {
	a.mu.Lock()
	defer a.mu.Unlock()

	heard := a.bySpeaker[speaker]
	delete(a.bySpeaker, speaker)
	return heard
}

func (a *audiences) removeListener(speaker, listener string) ([]interfaces.Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	heard, ok := a.bySpeaker[speaker]
	if !ok {
		return nil, false
	}
	conns, ok := heard[listener]
	delete(heard, listener)
	if len(heard) == 0 {
		delete(a.bySpeaker, speaker)
	}
	return conns, ok
}

// forgetListener drops listener from every audience.
func (a *audiences) forgetListener(listener string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for speaker, heard := range a.bySpeaker {
		delete(heard, listener)
		if len(heard) == 0 {
			delete(a.bySpeaker, speaker)
		}
	}
}

func (a *audiences) speakers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bySpeaker)
}

func speakerOf(p types.PlayerSnapshot) protocol.Speaker {
	return protocol.Speaker{UUID: p.UUID, Name: p.Name, Position: p.Position}
}

func audienceOf(listeners []session.Listener) map[string][]interfaces.Connection {
	out := make(map[string][]interfaces.Connection, len(listeners))
	for _, l := range listeners {
		out[l.UUID] = l.Conns
	}
	return out
}

// stopFor sends one audio_stop for sp to every connection in heard.
func (r *Router) stopFor(sp protocol.Speaker, heard map[string][]interfaces.Connection) {
	if len(heard) == 0 {
		return
	}
	data, err := json.Marshal(protocol.AudioStop{Type: types.MessageTypeAudioStop, Speaker: sp})
	if err != nil {
		r.log.Errorw("encode audio_stop", "speaker", sp.UUID, "error", err)
		return
	}
	for _, conns := range heard {
		for _, c := range conns {
			r.sendRaw(c, data)
		}
	}
}

func (r *Router) handleAudioStart(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.AudioFrame
	if !r.bind(conn, env, &f) {
		return
	}
	if _, err := r.sessions.SetSpeaking(env.UUID, true); err != nil {
		r.sendError(conn, err.Error(), env.Type)
		return
	}
	snap, ok := r.sessions.Get(env.UUID)
	if !ok {
		return
	}
	listeners, err := r.sessions.Listeners(env.UUID)
	if err != nil {
		return
	}

	sp := speakerOf(snap)
	for _, l := range listeners {
		frame := protocol.AudioStart{
			Type:      types.MessageTypeAudioStart,
			Speaker:   sp,
			Volume:    l.Volume,
			Distance:  l.Distance,
			AudioData: f.AudioData,
		}
		for _, c := range l.Conns {
			r.send(c, frame)
		}
	}
	r.stopFor(sp, r.audiences.replace(env.UUID, audienceOf(listeners)))
}

// handleAudioChunk re-encodes the payload once at the speaker's bitrate and
// relays it to every listener with that listener's volume.
// FUNCTIONAL DISCOVERY: The listener set is recomputed per chunk so
// movement between chunks is honored; listeners that dropped out of range
// since the previous chunk receive audio_stop
func (r *Router) handleAudioChunk(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	var f protocol.AudioFrame
	if !r.bind(conn, env, &f) {
		return
	}
	snap, ok := r.sessions.Get(env.UUID)
	if !ok {
		return
	}
	if !snap.IsSpeaking {
		r.stats.chunksDropped.Add(1)
		r.log.Debugw("dropping audio chunk", "player", env.UUID, "error", ErrNotSpeaking)
		return
	}
	listeners, err := r.sessions.Listeners(env.UUID)
	if err != nil {
		return
	}

	sp := speakerOf(snap)
	if len(listeners) > 0 {
		bitrate := r.bitrate.BitrateFor(env.UUID)
		payload, codecName := r.encode(env.UUID, f.AudioData, bitrate)
		for _, l := range listeners {
			frame := protocol.AudioChunk{
				Type:       types.MessageTypeAudioChunk,
				Speaker:    sp,
				Volume:     l.Volume,
				Distance:   l.Distance,
				AudioChunk: payload,
				Codec:      codecName,
				Bitrate:    bitrate,
			}
			for _, c := range l.Conns {
				r.send(c, frame)
			}
		}
		r.stats.chunksRelayed.Add(1)
	}
	r.stopFor(sp, r.audiences.replace(env.UUID, audienceOf(listeners)))
}

// encode falls back to relaying the raw payload as pcm16.
func (r *Router) encode(speaker string, pcm []byte, bitrate int) ([]byte, string) {
	out, err := r.codec.Encode(speaker, pcm, bitrate)
	if err != nil {
		r.log.Warnw("audio encode failed, relaying raw", "player", speaker, "codec", r.codec.Name(), "error", err)
		return pcm, codec.NamePCM
	}
	return out, r.codec.Name()
}

// handleAudioStop notifies everyone who heard the speaker plus anyone who
// would hear it now.
func (r *Router) handleAudioStop(_ context.Context, conn interfaces.Connection, env protocol.Envelope) {
	if _, err := r.sessions.SetSpeaking(env.UUID, false); err != nil {
		r.sendError(conn, err.Error(), env.Type)
		return
	}
	snap, ok := r.sessions.Get(env.UUID)
	if !ok {
		return
	}

	heard := r.audiences.take(env.UUID)
	if heard == nil {
		heard = make(map[string][]interfaces.Connection)
	}
	if listeners, err := r.sessions.Listeners(env.UUID); err == nil {
		for _, l := range listeners {
			if _, seen := heard[l.UUID]; !seen {
				heard[l.UUID] = l.Conns
			}
		}
	}
	r.stopFor(speakerOf(snap), heard)
}

// broadcast marshals v once and sends it to every device of every session
// except skip.
func (r *Router) broadcast(v interface{}, skip string) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Errorw("encode broadcast", "error", err)
		return
	}
	for _, p := range r.sessions.Peers() {
		if p.Player.UUID == skip {
			continue
		}
		for _, c := range p.Conns {
			r.sendRaw(c, data)
		}
	}
}

func (r *Router) broadcastPlayerUpdate(p types.PlayerSnapshot) {
	r.broadcast(protocol.PlayerUpdate{Type: types.MessageTypePlayerUpdate, Player: p.Peer()}, p.UUID)
}

func (r *Router) broadcastEvent(event string, p types.PlayerSnapshot, total int) {
	r.broadcast(protocol.PlayerEvent{
		Type:  types.MessageTypePlayerEvent,
		Event: event,
		Data: protocol.PlayerEventData{
			UUID:         p.UUID,
			Name:         p.Name,
			TotalPlayers: total,
		},
		Timestamp: r.now().UnixMilli(),
	}, p.UUID)
}

// BroadcastState sends every located session's player_update to every other
// session and returns the number of frames queued.
// TECHNICAL DISCOVERY: Each snapshot is marshalled once per tick and the
// same bytes are handed to every recipient
func (r *Router) BroadcastState() int {
	peers := r.sessions.Peers()
	sent := 0
	for i, p := range peers {
		if !p.Player.Located {
			continue
		}
		data, err := json.Marshal(protocol.PlayerUpdate{Type: types.MessageTypePlayerUpdate, Player: p.Player.Peer()})
		if err != nil {
			r.log.Errorw("encode player_update", "player", p.Player.UUID, "error", err)
			continue
		}
		for j, q := range peers {
			if i == j {
				continue
			}
			for _, c := range q.Conns {
				r.sendRaw(c, data)
				sent++
			}
		}
	}
	return sent
}

// onSessionRemoved runs for leave, disconnect and timeout alike.
func (r *Router) onSessionRemoved(rm session.Removal) {
	uuid := rm.Player.UUID

	r.stopFor(speakerOf(rm.Player), r.audiences.take(uuid))
	r.audiences.forgetListener(uuid)

	r.bitrate.RemovePlayer(uuid)
	r.limiter.Release(uuid)
	r.codec.Release(uuid)

	for _, d := range rm.Devices {
		if d.Conn == nil {
			continue
		}
		d.Conn.ClearIdentity(d.ID)
		if rm.Reason == session.ReasonTimeout {
			_ = d.Conn.Close()
		}
	}

	r.broadcastEvent(types.PlayerEventLeave, rm.Player, r.sessions.Count())
}
