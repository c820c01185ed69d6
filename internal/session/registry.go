package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proxvoice/internal/distcache"
	"proxvoice/internal/spatial"
	"proxvoice/internal/volume"
	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

// RemovalReason records why a session was destroyed.
type RemovalReason string

const (
	ReasonLeave      RemovalReason = "leave"
	ReasonDisconnect RemovalReason = "disconnect"
	ReasonTimeout    RemovalReason = "timeout"
)

// Removal describes a destroyed session and the devices still attached to it
// at the time.
type Removal struct {
	Player  types.PlayerSnapshot
	Devices []Device
	Reason  RemovalReason
}

// RemoveFunc observes session destruction. It runs outside the registry lock.
type RemoveFunc func(Removal)

// Options configures a Registry.
type Options struct {
	MaxSessions int
	Timeout     time.Duration
	CellSize    float64
	CacheTTL    time.Duration
	CodeTTL     time.Duration
	Volume      volume.Config
}

// DefaultOptions mirrors the server defaults.
func DefaultOptions() Options {
	return Options{
		MaxSessions: 100,
		Timeout:     30 * time.Second,
		CellSize:    spatial.DefaultCellSize,
		CacheTTL:    distcache.DefaultTTL,
		CodeTTL:     DefaultCodeTTL,
		Volume:      volume.DefaultConfig(),
	}
}

// Device is one attached client connection.
type Device struct {
	ID          string
	Type        types.DeviceType
	Conn        interfaces.Connection
	ConnectedAt time.Time
	LastUpdate  time.Time
}

type playerSession struct {
	uuid          string
	name          string
	version       string
	position      types.Vec3
	rotation      types.Rotation
	dimension     string
	teamID        string
	speaking      bool
	muted         bool
	located       bool
	muteList      map[string]struct{}
	lastHeartbeat time.Time
	devices       map[string]*Device
	authority     string
}

func (s *playerSession) ID() string        { return s.uuid }
func (s *playerSession) Pos() types.Vec3   { return s.position }
func (s *playerSession) Dim() string       { return s.dimension }
func (s *playerSession) Team() string      { return s.teamID }
func (s *playerSession) IsSelfMuted() bool { return s.muted }

func (s *playerSession) HasMuted(uuid string) bool {
	_, ok := s.muteList[uuid]
	return ok
}

func (s *playerSession) snapshot() types.PlayerSnapshot {
	p := types.PlayerSnapshot{
		UUID:          s.uuid,
		Name:          s.name,
		Version:       s.version,
		Position:      s.position,
		Rotation:      s.rotation,
		Dimension:     s.dimension,
		TeamID:        s.teamID,
		IsSpeaking:    s.speaking,
		IsMuted:       s.muted,
		Located:       s.located,
		LastHeartbeat: s.lastHeartbeat,
	}
	if len(s.muteList) > 0 {
		p.MuteList = make([]string, 0, len(s.muteList))
		for id := range s.muteList {
			p.MuteList = append(p.MuteList, id)
		}
		sort.Strings(p.MuteList)
	}
	for _, d := range s.devices {
		p.Devices = append(p.Devices, types.DeviceInfo{
			ID:          d.ID,
			Type:        d.Type,
			ConnectedAt: d.ConnectedAt,
			LastUpdate:  d.LastUpdate,
		})
	}
	sort.Slice(p.Devices, func(i, j int) bool { return p.Devices[i].ConnectedAt.Before(p.Devices[j].ConnectedAt) })
	return p
}

func (s *playerSession) deviceList() []Device {
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	return out
}

// Registry owns every live session and the indices derived from them.
// ARCHITECTURAL DISCOVERY: One RWMutex guards sessions, devices and teams.
// Position changes update the session, the spatial index and the distance
// cache while holding the write lock, so readers never observe a position
// that disagrees with its index cell or cached distances
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	sessions map[string]*playerSession
	devices  map[string]string
	teams    map[string]map[string]struct{}

	index  *spatial.Index
	cache  *distcache.Cache
	linker *Linker
	model  *volume.Model

	hooksMu sync.RWMutex
	hooks   []RemoveFunc

	now func() time.Time
	log *zap.SugaredLogger
}

// NewRegistry creates a registry. A nil clock uses time.Now and a nil
// logger discards output.
func NewRegistry(opts Options, now func() time.Time, log *zap.SugaredLogger) *Registry {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		opts:     opts,
		sessions: make(map[string]*playerSession),
		devices:  make(map[string]string),
		teams:    make(map[string]map[string]struct{}),
		index:    spatial.New(opts.CellSize),
		cache:    distcache.New(opts.CacheTTL, now),
		linker:   NewLinker(opts.CodeTTL, now),
		now:      now,
		log:      log,
	}
	r.model = volume.NewModel(opts.Volume, r.distance)
	return r
}

// distance consults the cache before computing. Called with r.mu held.
func (r *Registry) distance(a, b volume.Party) float64 {
	if d, ok := r.cache.Get(a.ID(), b.ID()); ok {
		return d
	}
	d := volume.Euclidean(a.Pos(), b.Pos())
	r.cache.Put(a.ID(), b.ID(), d)
	return d
}

// OnRemove registers fn to run after every session destruction.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// notify runs every hook for rm. A panicking hook is logged and does not
// stop the others.
func (r *Registry) notify(rm Removal) {
	r.hooksMu.RLock()
	hooks := append([]RemoveFunc(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Errorw("session removal hook panicked", "player", rm.Player.UUID, "panic", p)
				}
			}()
			fn(rm)
		}()
	}
}

// Index exposes the spatial index for statistics.
func (r *Registry) Index() *spatial.Index { return r.index }

// Cache exposes the distance cache for statistics and sweeping.
func (r *Registry) Cache() *distcache.Cache { return r.cache }

// Linker exposes the linking coordinator.
func (r *Registry) Linker() *Linker { return r.linker }

// Model exposes the volume model.
func (r *Registry) Model() *volume.Model { return r.model }

// JoinRequest carries a player_join or submit_linking_code.
type JoinRequest struct {
	UUID        string
	Name        string
	Version     string
	DeviceType  types.DeviceType
	LinkingCode string
	Conn        interfaces.Connection
	// RequireExisting rejects the request when no session exists for UUID.
	RequireExisting bool
}

// JoinResult is returned on successful attachment.
type JoinResult struct {
	Player         types.PlayerSnapshot
	DeviceID       string
	Created        bool
	LinkingCode    string
	LinkingExpires time.Time
	Others         []types.PlayerSnapshot
}

// Join attaches a device, creating the session if needed.
// FUNCTIONAL DISCOVERY: A new uuid always creates a session and issues a
// linking code. An existing session accepts another world client freely
// (reconnects replace the position source) but every other device type
// must present the session's current linking code
func (r *Registry) Join(req JoinRequest) (JoinResult, error) {
	if err := types.ValidateUUID(req.UUID); err != nil {
		return JoinResult{}, err
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[req.UUID]
	res := JoinResult{}

	switch {
	case !exists && req.RequireExisting:
		return JoinResult{}, ErrPlayerNotFound
	case !exists:
		if err := types.ValidateName(req.Name); err != nil {
			return JoinResult{}, err
		}
		if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
			return JoinResult{}, ErrServerFull
		}
		s = &playerSession{
			uuid:          req.UUID,
			name:          req.Name,
			version:       req.Version,
			dimension:     types.DefaultDimension,
			muteList:      make(map[string]struct{}),
			lastHeartbeat: now,
			devices:       make(map[string]*Device),
		}
		r.sessions[req.UUID] = s
		res.Created = true
		res.LinkingCode, res.LinkingExpires = r.linker.Issue(req.UUID)
	case req.DeviceType != types.DeviceWorldClient:
		if req.LinkingCode == "" {
			return JoinResult{}, ErrLinkingRequired
		}
		if err := r.linker.Validate(req.UUID, req.LinkingCode); err != nil {
			return JoinResult{}, fmt.Errorf("%w: %w", ErrLinkingFailed, err)
		}
	}

	dev := &Device{
		ID:          uuid.NewString(),
		Type:        req.DeviceType,
		Conn:        req.Conn,
		ConnectedAt: now,
		LastUpdate:  now,
	}
	s.devices[dev.ID] = dev
	r.devices[dev.ID] = s.uuid
	s.lastHeartbeat = now

	if req.DeviceType == types.DeviceWorldClient {
		s.authority = dev.ID
		if s.located {
			r.index.Upsert(s.uuid, s.dimension, s.position)
		}
	}

	if !res.Created && res.LinkingCode == "" {
		if code, secs, ok := r.linker.Peek(s.uuid); ok {
			res.LinkingCode = code
			res.LinkingExpires = now.Add(time.Duration(secs) * time.Second)
		}
	}

	res.DeviceID = dev.ID
	res.Player = s.snapshot()
	for id, other := range r.sessions {
		if id != s.uuid {
			res.Others = append(res.Others, other.snapshot())
		}
	}

	r.log.Infow("device attached", "player", s.uuid, "name", s.name, "device", dev.ID,
		"deviceType", dev.Type, "created", res.Created, "sessions", len(r.sessions))
	return res, nil
}

// Leave detaches a device. When it was the last device the session is
// destroyed and removal hooks run; destroyed reports whether that happened.
func (r *Registry) Leave(deviceID string, reason RemovalReason) (destroyed bool, err error) {
	r.mu.Lock()
	uuid, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false, ErrDeviceNotFound
	}
	s := r.sessions[uuid]
	delete(r.devices, deviceID)
	delete(s.devices, deviceID)
	if s.authority == deviceID {
		// without a position source the last known position goes stale
		s.authority = ""
		s.located = false
		r.index.Remove(uuid)
		r.cache.Invalidate(uuid)
	}

	if len(s.devices) > 0 {
		r.mu.Unlock()
		r.log.Infow("device detached", "player", uuid, "device", deviceID, "reason", reason)
		return false, nil
	}

	rm := r.destroyLocked(s, reason)
	r.mu.Unlock()

	r.notify(rm)
	return true, nil
}

// destroyLocked releases all sub-state of s. Called with r.mu held.
func (r *Registry) destroyLocked(s *playerSession, reason RemovalReason) Removal {
	rm := Removal{Player: s.snapshot(), Devices: s.deviceList(), Reason: reason}

	for id := range s.devices {
		delete(r.devices, id)
	}
	delete(r.sessions, s.uuid)
	r.leaveTeamLocked(s)
	r.index.Remove(s.uuid)
	r.cache.Invalidate(s.uuid)
	r.linker.Clear(s.uuid)

	r.log.Infow("session destroyed", "player", s.uuid, "name", s.name, "reason", reason,
		"sessions", len(r.sessions))
	return rm
}

func (r *Registry) leaveTeamLocked(s *playerSession) {
	if s.teamID == "" {
		return
	}
	if members, ok := r.teams[s.teamID]; ok {
		delete(members, s.uuid)
		if len(members) == 0 {
			delete(r.teams, s.teamID)
		}
	}
}

func (r *Registry) joinTeamLocked(s *playerSession, team string) {
	if s.teamID == team {
		return
	}
	r.leaveTeamLocked(s)
	s.teamID = team
	if team == "" {
		return
	}
	members, ok := r.teams[team]
	if !ok {
		members = make(map[string]struct{})
		r.teams[team] = members
	}
	members[s.uuid] = struct{}{}
}

// UpdatePosition moves a session. Only the session's world-client device is
// accepted; others get ErrUnauthoritative and nothing changes. An empty
// dimension keeps the current one.
func (r *Registry) UpdatePosition(uuid, deviceID string, pos types.Vec3, dimension string) error {
	if err := pos.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return ErrPlayerNotFound
	}
	if s.authority == "" || s.authority != deviceID {
		return ErrUnauthoritative
	}

	now := r.now()
	s.position = pos
	if dimension != "" {
		s.dimension = dimension
	}
	s.located = true
	s.lastHeartbeat = now
	s.devices[deviceID].LastUpdate = now

	r.cache.Invalidate(uuid)
	r.index.Upsert(uuid, s.dimension, s.position)
	return nil
}

// StateUpdate carries the non-positional fields any attached device may set.
// Nil fields are left unchanged.
type StateUpdate struct {
	Rotation *types.Rotation
	TeamID   *string
	Muted    *bool
}

// UpdateState applies u and returns the resulting snapshot.
func (r *Registry) UpdateState(uuid string, u StateUpdate) (types.PlayerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return types.PlayerSnapshot{}, ErrPlayerNotFound
	}
	if u.Rotation != nil {
		s.rotation = *u.Rotation
	}
	if u.TeamID != nil {
		r.joinTeamLocked(s, *u.TeamID)
	}
	if u.Muted != nil {
		s.muted = *u.Muted
	}
	s.lastHeartbeat = r.now()
	return s.snapshot(), nil
}

// SetTeam assigns uuid to team; an empty team removes the assignment.
func (r *Registry) SetTeam(uuid, team string) (types.PlayerSnapshot, error) {
	return r.UpdateState(uuid, StateUpdate{TeamID: &team})
}

// SetSpeaking updates the speaking flag, reporting whether it changed.
func (r *Registry) SetSpeaking(uuid string, speaking bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return false, ErrPlayerNotFound
	}
	changed := s.speaking != speaking
	s.speaking = speaking
	return changed, nil
}

// Mute adds target to uuid's mute list. Muting is one-directional.
func (r *Registry) Mute(uuid, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return ErrPlayerNotFound
	}
	if _, ok := r.sessions[target]; !ok {
		return ErrPlayerNotFound
	}
	s.muteList[target] = struct{}{}
	return nil
}

// Unmute removes target from uuid's mute list. The target need not be online.
func (r *Registry) Unmute(uuid, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return ErrPlayerNotFound
	}
	delete(s.muteList, target)
	return nil
}

// Heartbeat refreshes uuid's liveness timer.
func (r *Registry) Heartbeat(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return ErrPlayerNotFound
	}
	s.lastHeartbeat = r.now()
	return nil
}

// SweepStale evicts sessions whose last heartbeat is older than the timeout
// and returns the evicted snapshots.
// TECHNICAL DISCOVERY: Victims are destroyed under one lock acquisition but
// hooks run afterwards one by one, so a failing hook for one session never
// blocks the eviction of the rest
func (r *Registry) SweepStale() []types.PlayerSnapshot {
	if r.opts.Timeout <= 0 {
		return nil
	}
	now := r.now()

	r.mu.Lock()
	var removals []Removal
	for _, s := range r.sessions {
		if now.Sub(s.lastHeartbeat) > r.opts.Timeout {
			removals = append(removals, r.destroyLocked(s, ReasonTimeout))
		}
	}
	r.mu.Unlock()

	out := make([]types.PlayerSnapshot, 0, len(removals))
	for _, rm := range removals {
		r.notify(rm)
		out = append(out, rm.Player)
	}
	return out
}

// Get returns a snapshot of uuid.
func (r *Registry) Get(uuid string) (types.PlayerSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[uuid]
	if !ok {
		return types.PlayerSnapshot{}, false
	}
	return s.snapshot(), true
}

// List returns snapshots of every session ordered by uuid.
func (r *Registry) List() []types.PlayerSnapshot {
	r.mu.RLock()
	out := make([]types.PlayerSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeviceOwner resolves a device id to its session uuid.
func (r *Registry) DeviceOwner(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok := r.devices[deviceID]
	return uuid, ok
}

// IsAuthority reports whether deviceID is uuid's position source.
func (r *Registry) IsAuthority(uuid, deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uuid]
	return ok && deviceID != "" && s.authority == deviceID
}

// Listener is a resolved audio recipient.
type Listener struct {
	volume.Audience
	Name  string
	Conns []interfaces.Connection
}

// Listeners resolves who hears speaker right now, nearest first.
// FUNCTIONAL DISCOVERY: Candidates come from the grid ring around the
// speaker plus team mates and, with global chat, everyone; the volume model
// then filters them by exact distance
func (r *Registry) Listeners(speaker string) ([]Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.sessions[speaker]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	if !sp.located {
		return nil, nil
	}

	candidates := r.candidatesLocked(sp)
	audience := r.model.Listeners(sp, candidates)

	out := make([]Listener, 0, len(audience))
	for _, a := range audience {
		s := r.sessions[a.UUID]
		l := Listener{Audience: a, Name: s.name}
		for _, d := range s.devices {
			if d.Conn != nil {
				l.Conns = append(l.Conns, d.Conn)
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *Registry) candidatesLocked(sp *playerSession) []volume.Party {
	var ids []string
	cfg := r.model.Config()
	if cfg.EnableGlobalChat {
		for id := range r.sessions {
			ids = append(ids, id)
		}
	} else {
		ids = r.index.QueryNearby(sp.uuid, cfg.ProximityRange)
		if cfg.EnableTeamChat && sp.teamID != "" {
			for id := range r.teams[sp.teamID] {
				ids = append(ids, id)
			}
		}
	}

	out := make([]volume.Party, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok && s.located {
			out = append(out, s)
		}
	}
	return out
}

// Nearby returns the sessions that would hear uuid, with volume and
// distance, for the diagnostic surface.
func (r *Registry) Nearby(uuid string) ([]volume.Audience, error) {
	ls, err := r.Listeners(uuid)
	if err != nil {
		return nil, err
	}
	out := make([]volume.Audience, len(ls))
	for i, l := range ls {
		out[i] = l.Audience
	}
	return out, nil
}

// Peer is a session's wire description plus the connections of its devices.
type Peer struct {
	Player types.PlayerSnapshot
	Conns  []interfaces.Connection
}

// Peers returns every session with its connections, for broadcasts.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.sessions))
	for _, s := range r.sessions {
		p := Peer{Player: s.snapshot()}
		for _, d := range s.devices {
			if d.Conn != nil {
				p.Conns = append(p.Conns, d.Conn)
			}
		}
		out = append(out, p)
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Sessions      int            `json:"sessions"`
	Devices       int            `json:"devices"`
	Located       int            `json:"located"`
	Speaking      int            `json:"speaking"`
	Teams         int            `json:"teams"`
	PendingCodes  int            `json:"pendingLinkingCodes"`
	DevicesByType map[string]int `json:"devicesByType"`
	MaxSessions   int            `json:"maxSessions"`
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Sessions:      len(r.sessions),
		Devices:       len(r.devices),
		Teams:         len(r.teams),
		PendingCodes:  r.linker.Pending(),
		DevicesByType: make(map[string]int),
		MaxSessions:   r.opts.MaxSessions,
	}
	for _, s := range r.sessions {
		if s.located {
			st.Located++
		}
		if s.speaking {
			st.Speaking++
		}
		for _, d := range s.devices {
			st.DevicesByType[string(d.Type)]++
		}
	}
	return st
}
