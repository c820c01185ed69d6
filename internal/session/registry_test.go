package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

type stubConn struct {
	id string
}

func (c *stubConn) ID() string                                   { return c.id }
func (c *stubConn) Send(interface{}) error                       { return nil }
func (c *stubConn) SendRaw([]byte) error                         { return nil }
func (c *stubConn) Close() error                                 { return nil }
func (c *stubConn) RemoteAddr() string                           { return "127.0.0.1" }
func (c *stubConn) SetIdentity(string, string, types.DeviceType) {}
func (c *stubConn) Identity() (string, string, bool)             { return "", "", false }
func (c *stubConn) ClearIdentity(string)                         {}

var _ interfaces.Connection = (*stubConn)(nil)

func newTestRegistry(mut func(*Options)) (*Registry, *clock) {
	opts := DefaultOptions()
	if mut != nil {
		mut(&opts)
	}
	clk := newClock()
	return NewRegistry(opts, clk.Now, nil), clk
}

func joinWorld(t *testing.T, r *Registry, uuid string, pos types.Vec3) JoinResult {
	t.Helper()
	res, err := r.Join(JoinRequest{
		UUID:       uuid,
		Name:       "name-" + uuid,
		DeviceType: types.DeviceWorldClient,
		Conn:       &stubConn{id: uuid},
	})
	if err != nil {
		t.Fatalf("Join(%s): %v", uuid, err)
	}
	if err := r.UpdatePosition(uuid, res.DeviceID, pos, "overworld"); err != nil {
		t.Fatalf("UpdatePosition(%s): %v", uuid, err)
	}
	return res
}

func TestRegistry_JoinCreatesSessionWithCode(t *testing.T) {
	r, clk := newTestRegistry(nil)

	res, err := r.Join(JoinRequest{UUID: "p1", Name: "Alice", DeviceType: types.DeviceWorldClient})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.Created {
		t.Error("Created = false for new uuid")
	}
	if len(res.LinkingCode) != 6 {
		t.Errorf("linking code %q", res.LinkingCode)
	}
	if !res.LinkingExpires.Equal(clk.Now().Add(2 * time.Minute)) {
		t.Errorf("expires at %v", res.LinkingExpires)
	}
	if res.DeviceID == "" {
		t.Error("empty device id")
	}
	if !r.IsAuthority("p1", res.DeviceID) {
		t.Error("world client should be the position source")
	}
	if res.Player.Located {
		t.Error("session must not be located before its first position update")
	}
}

func TestRegistry_ServerFull(t *testing.T) {
	r, _ := newTestRegistry(func(o *Options) { o.MaxSessions = 2 })
	joinWorld(t, r, "a", types.Vec3{})
	joinWorld(t, r, "b", types.Vec3{})

	_, err := r.Join(JoinRequest{UUID: "c", Name: "C", DeviceType: types.DeviceWorldClient})
	if !errors.Is(err, ErrServerFull) {
		t.Fatalf("third join = %v, want ErrServerFull", err)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRegistry_DeviceLinking(t *testing.T) {
	r, _ := newTestRegistry(nil)
	world := joinWorld(t, r, "p", types.Vec3{})

	_, err := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop})
	if !errors.Is(err, ErrLinkingRequired) {
		t.Fatalf("desktop without code = %v, want ErrLinkingRequired", err)
	}

	_, err = r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop, LinkingCode: "000000"})
	if !errors.Is(err, ErrLinkingFailed) || !errors.Is(err, ErrInvalidLinkingCode) {
		t.Fatalf("desktop with wrong code = %v", err)
	}

	res, err := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop, LinkingCode: world.LinkingCode, RequireExisting: true})
	if err != nil {
		t.Fatalf("desktop with code = %v", err)
	}
	if res.Created {
		t.Error("linking must not create a new session")
	}

	_, err = r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceMobile, LinkingCode: world.LinkingCode})
	if !errors.Is(err, ErrNoLinkingCode) {
		t.Fatalf("reusing a code = %v, want ErrNoLinkingCode", err)
	}

	snap, _ := r.Get("p")
	if len(snap.Devices) != 2 {
		t.Errorf("devices = %d, want 2", len(snap.Devices))
	}
}

func TestRegistry_LinkRequiresExistingSession(t *testing.T) {
	r, _ := newTestRegistry(nil)
	_, err := r.Join(JoinRequest{UUID: "ghost", DeviceType: types.DeviceDesktop, LinkingCode: "ABCDEF", RequireExisting: true})
	if !errors.Is(err, ErrPlayerNotFound) {
		t.Fatalf("link to unknown session = %v", err)
	}
}

func TestRegistry_PositionAuthority(t *testing.T) {
	r, _ := newTestRegistry(nil)
	world := joinWorld(t, r, "p", types.Vec3{X: 1})

	desk, err := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop, LinkingCode: world.LinkingCode})
	if err != nil {
		t.Fatal(err)
	}

	err = r.UpdatePosition("p", desk.DeviceID, types.Vec3{X: 999}, "")
	if !errors.Is(err, ErrUnauthoritative) {
		t.Fatalf("desktop position update = %v", err)
	}
	snap, _ := r.Get("p")
	if snap.Position.X != 1 {
		t.Errorf("position changed by non-authoritative device: %+v", snap.Position)
	}

	rot := types.Rotation{Pitch: 10, Yaw: 20}
	if _, err := r.UpdateState("p", StateUpdate{Rotation: &rot}); err != nil {
		t.Errorf("rotation from any device: %v", err)
	}
}

func TestRegistry_WorldClientReconnectTakesAuthority(t *testing.T) {
	r, _ := newTestRegistry(nil)
	first := joinWorld(t, r, "p", types.Vec3{})

	second, err := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceWorldClient})
	if err != nil {
		t.Fatalf("world client rejoin: %v", err)
	}
	if r.IsAuthority("p", first.DeviceID) {
		t.Error("old world client still authoritative")
	}
	if !r.IsAuthority("p", second.DeviceID) {
		t.Error("new world client not authoritative")
	}
}

func TestRegistry_WorldClientLeaveUnlocatesSession(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "near", types.Vec3{X: 5})
	world := joinWorld(t, r, "p", types.Vec3{})
	if _, err := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop, LinkingCode: world.LinkingCode}); err != nil {
		t.Fatal(err)
	}

	destroyed, err := r.Leave(world.DeviceID, ReasonLeave)
	if err != nil || destroyed {
		t.Fatalf("Leave(world) = %v, %v", destroyed, err)
	}

	snap, ok := r.Get("p")
	if !ok {
		t.Fatal("session destroyed while a companion is attached")
	}
	if snap.Located {
		t.Error("session still located without a position source")
	}
	if _, indexed := r.Index().CellOf("p"); indexed {
		t.Error("session still in the spatial index")
	}
	if ls, _ := r.Listeners("near"); len(ls) != 0 {
		t.Errorf("unlocated session still hears proximity audio: %+v", ls)
	}
}

func TestRegistry_PositionUpdateInvalidatesCache(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "a", types.Vec3{X: 0})
	b := joinWorld(t, r, "b", types.Vec3{X: 10})

	ls, _ := r.Listeners("a")
	if len(ls) != 1 || ls[0].Distance != 10 {
		t.Fatalf("initial listeners = %+v", ls)
	}

	if err := r.UpdatePosition("b", b.DeviceID, types.Vec3{X: 20}, ""); err != nil {
		t.Fatal(err)
	}
	ls, _ = r.Listeners("a")
	if len(ls) != 1 || ls[0].Distance != 20 {
		t.Fatalf("stale distance after move: %+v", ls)
	}
}

func TestRegistry_ListenersProximity(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "speaker", types.Vec3{})
	joinWorld(t, r, "near", types.Vec3{X: 10})
	joinWorld(t, r, "far", types.Vec3{X: 200})

	ls, err := r.Listeners("speaker")
	if err != nil {
		t.Fatal(err)
	}
	if len(ls) != 1 || ls[0].UUID != "near" {
		t.Fatalf("listeners = %+v", ls)
	}
	if ls[0].Volume <= 0.1 || ls[0].Volume > 1 {
		t.Errorf("volume %v", ls[0].Volume)
	}
	if len(ls[0].Conns) != 1 {
		t.Errorf("listener conns = %d", len(ls[0].Conns))
	}
}

func TestRegistry_ListenersTeamAndDimension(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "s", types.Vec3{})
	joinWorld(t, r, "mate", types.Vec3{X: 45})
	joinWorld(t, r, "stranger", types.Vec3{X: 45, Z: 1})
	nether := joinWorld(t, r, "nether", types.Vec3{X: 1})
	r.UpdatePosition("nether", nether.DeviceID, types.Vec3{X: 1}, "the_nether")

	r.SetTeam("s", "red")
	r.SetTeam("mate", "red")

	ls, _ := r.Listeners("s")
	if len(ls) != 1 || ls[0].UUID != "mate" {
		t.Fatalf("listeners = %+v", ls)
	}

	// Leaving the team drops the out-of-range mate.
	r.SetTeam("mate", "")
	if ls, _ := r.Listeners("s"); len(ls) != 0 {
		t.Fatalf("listeners after team leave = %+v", ls)
	}
}

func TestRegistry_MuteCutsBothDirections(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "a", types.Vec3{})
	joinWorld(t, r, "b", types.Vec3{X: 5})

	if err := r.Mute("a", "b"); err != nil {
		t.Fatal(err)
	}
	if ls, _ := r.Listeners("b"); len(ls) != 0 {
		t.Errorf("a muted b but still hears b: %+v", ls)
	}
	if ls, _ := r.Listeners("a"); len(ls) != 0 {
		t.Errorf("b hears a although a muted b: %+v", ls)
	}

	if err := r.Mute("a", "nobody"); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("mute unknown target = %v", err)
	}
	r.Unmute("a", "b")
	if ls, _ := r.Listeners("b"); len(ls) != 1 {
		t.Errorf("unmute did not restore audio")
	}

	muted := true
	if _, err := r.UpdateState("b", StateUpdate{Muted: &muted}); err != nil {
		t.Fatal(err)
	}
	if ls, _ := r.Listeners("a"); len(ls) != 0 {
		t.Errorf("self-muted b still listens: %+v", ls)
	}
}

func TestRegistry_UnlocatedSessionsExcluded(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "a", types.Vec3{})
	if _, err := r.Join(JoinRequest{UUID: "app", Name: "App", DeviceType: types.DeviceDesktop}); err != nil {
		t.Fatal(err)
	}

	if ls, _ := r.Listeners("a"); len(ls) != 0 {
		t.Errorf("unlocated session hears proximity audio: %+v", ls)
	}
	if ls, err := r.Listeners("app"); err != nil || len(ls) != 0 {
		t.Errorf("unlocated speaker listeners = %+v %v", ls, err)
	}
}

func TestRegistry_LeaveLastDeviceDestroys(t *testing.T) {
	r, _ := newTestRegistry(nil)
	world := joinWorld(t, r, "p", types.Vec3{})
	joinWorld(t, r, "q", types.Vec3{X: 5})
	desk, _ := r.Join(JoinRequest{UUID: "p", DeviceType: types.DeviceDesktop, LinkingCode: world.LinkingCode})

	var removed []Removal
	r.OnRemove(func(rm Removal) { removed = append(removed, rm) })

	destroyed, err := r.Leave(world.DeviceID, ReasonDisconnect)
	if err != nil || destroyed {
		t.Fatalf("Leave(world) = %v %v", destroyed, err)
	}
	if r.IsAuthority("p", world.DeviceID) {
		t.Error("departed device still authoritative")
	}

	destroyed, err = r.Leave(desk.DeviceID, ReasonDisconnect)
	if err != nil || !destroyed {
		t.Fatalf("Leave(desk) = %v %v", destroyed, err)
	}
	if len(removed) != 1 || removed[0].Player.UUID != "p" || removed[0].Reason != ReasonDisconnect {
		t.Fatalf("removal hooks = %+v", removed)
	}
	if _, ok := r.Get("p"); ok {
		t.Error("session survived last device")
	}
	if _, ok := r.Index().CellOf("p"); ok {
		t.Error("spatial index still holds destroyed session")
	}
	if _, _, ok := r.Linker().Peek("p"); ok {
		t.Error("destroyed session still has a linking code")
	}
	if _, err := r.Leave(desk.DeviceID, ReasonDisconnect); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("double leave = %v", err)
	}
}

func TestRegistry_SweepStale(t *testing.T) {
	r, clk := newTestRegistry(func(o *Options) { o.Timeout = 30 * time.Second })
	joinWorld(t, r, "stale", types.Vec3{})
	joinWorld(t, r, "fresh", types.Vec3{})

	var reasons []RemovalReason
	r.OnRemove(func(rm Removal) { reasons = append(reasons, rm.Reason) })
	r.OnRemove(func(Removal) { panic("hook failure") })

	clk.Advance(20 * time.Second)
	r.Heartbeat("fresh")
	clk.Advance(11 * time.Second)

	evicted := r.SweepStale()
	if len(evicted) != 1 || evicted[0].UUID != "stale" {
		t.Fatalf("evicted = %+v", evicted)
	}
	if len(reasons) != 1 || reasons[0] != ReasonTimeout {
		t.Errorf("reasons = %v", reasons)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session evicted")
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r, _ := newTestRegistry(nil)
	joinWorld(t, r, "a", types.Vec3{})
	joinWorld(t, r, "b", types.Vec3{})
	r.Mute("a", "b")

	snap, _ := r.Get("a")
	snap.MuteList[0] = "mutated"

	again, _ := r.Get("a")
	if again.MuteList[0] != "b" {
		t.Error("snapshot shares memory with registry")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ids := []string{"a", "b", "c", "d"}
	devices := make(map[string]string)
	for i, id := range ids {
		devices[id] = joinWorld(t, r, id, types.Vec3{X: float64(i)}).DeviceID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.UpdatePosition(id, devices[id], types.Vec3{X: float64(j % 40)}, "")
			}
		}(id)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Listeners(id)
				r.List()
			}
		}(id)
	}
	wg.Wait()

	if r.Count() != len(ids) {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRegistry_GetStats(t *testing.T) {
	r, _ := newTestRegistry(nil)
	w := joinWorld(t, r, "a", types.Vec3{})
	r.Join(JoinRequest{UUID: "a", DeviceType: types.DeviceMobile, LinkingCode: w.LinkingCode})
	r.SetSpeaking("a", true)
	r.SetTeam("a", "blue")

	st := r.GetStats()
	if st.Sessions != 1 || st.Devices != 2 || st.Located != 1 || st.Speaking != 1 || st.Teams != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.DevicesByType["world-client"] != 1 || st.DevicesByType["mobile"] != 1 {
		t.Errorf("by type = %v", st.DevicesByType)
	}
}
