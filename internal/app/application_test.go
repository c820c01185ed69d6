package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proxvoice/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = ""
	return cfg
}

// startRelay serves the application's handler without starting the hub, so
// no periodic broadcasts interleave with the frames a test waits for.
func startRelay(t *testing.T, cfg *config.Config) (*Application, *httptest.Server) {
	t.Helper()
	app, err := NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		app.connections.CloseAll()
		srv.Close()
	})
	return app, srv
}

func isPlayer(uuid string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool {
		p, _ := f["player"].(map[string]interface{})
		return p["uuid"] == uuid
	}
}

func isSpeaker(uuid string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool {
		sp, _ := f["speaker"].(map[string]interface{})
		return sp["uuid"] == uuid
	}
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Voice.ProximityRange = -1
	if _, err := NewApplication(cfg, nil); err == nil {
		t.Error("expected invalid configuration error")
	}

	cfg = testConfig()
	cfg.Voice.Codec = "mp3"
	if _, err := NewApplication(cfg, nil); err == nil {
		t.Error("expected unknown codec error")
	}
}

// FUNCTIONAL VALIDATION TEST: audio reaches players in range only, with
// volume and distance, and audio_stop follows
func TestApplication_ProximityVoice(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	alice := dialVoice(t, srv.URL, "/ws")
	confirm := alice.join("alice", "minecraft")
	if confirm["deviceId"] == "" || confirm["config"] == nil {
		t.Errorf("join_confirm = %v", confirm)
	}
	alice.expect("linking_code")

	bob := dialVoice(t, srv.URL, "/ws")
	bob.join("bob", "minecraft")
	event := alice.expect("player_event")
	data := event["data"].(map[string]interface{})
	if event["event"] != "join" || data["uuid"] != "bob" || data["totalPlayers"].(float64) != 2 {
		t.Errorf("join event = %v", event)
	}

	carol := dialVoice(t, srv.URL, "/ws")
	carol.join("carol", "minecraft")

	bob.moveTo("bob", 10, 0)
	carol.moveTo("carol", 500, 500)
	alice.expectMatch("player_update", isPlayer("bob"))
	alice.expectMatch("player_update", isPlayer("carol"))
	alice.moveTo("alice", 0, 0)
	bob.expectMatch("player_update", isPlayer("alice"))

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	alice.send(map[string]interface{}{"type": "audio_start", "uuid": "alice"})
	alice.send(map[string]interface{}{"type": "audio_chunk", "uuid": "alice", "audioData": payload})

	start := bob.expectMatch("audio_start", isSpeaker("alice"))
	if d := start["distance"].(float64); d != 10 {
		t.Errorf("distance = %v, want 10", d)
	}
	chunk := bob.expectMatch("audio_chunk", isSpeaker("alice"))
	if v := chunk["volume"].(float64); v <= 0 || v > 1 {
		t.Errorf("volume = %v", v)
	}
	if chunk["codec"] != "pcm16" || chunk["audioChunk"] != payload {
		t.Errorf("chunk = %v", chunk)
	}
	if chunk["bitrate"].(float64) <= 0 {
		t.Errorf("bitrate = %v", chunk["bitrate"])
	}

	alice.send(map[string]interface{}{"type": "audio_stop", "uuid": "alice"})
	bob.expectMatch("audio_stop", isSpeaker("alice"))

	carol.expectNone("audio_chunk", 200*time.Millisecond)
}

// FUNCTIONAL VALIDATION TEST: a companion app attaches with the code shown
// in game and cannot move the player
func TestApplication_LinkingCompanionDevice(t *testing.T) {
	app, srv := startRelay(t, testConfig())

	game := dialVoice(t, srv.URL, "/ws")
	game.join("alice", "minecraft")
	code := game.expect("linking_code")["code"].(string)

	companion := dialVoice(t, srv.URL, "/ws")
	companion.send(map[string]interface{}{
		"type":       "submit_linking_code",
		"uuid":       "alice",
		"deviceType": "desktop",
		"code":       "000000",
	})
	if res := companion.expect("linking_result"); res["success"] == true {
		t.Fatalf("wrong code accepted: %v", res)
	}

	companion.send(map[string]interface{}{
		"type":       "submit_linking_code",
		"uuid":       "alice",
		"deviceType": "desktop",
		"code":       code,
	})
	if res := companion.expect("linking_result"); res["success"] != true {
		t.Fatalf("linking failed: %v", res)
	}

	snap, ok := app.sessions.Get("alice")
	if !ok || len(snap.Devices) != 2 {
		t.Fatalf("session devices = %+v", snap.Devices)
	}

	companion.moveTo("alice", 99, 99)
	companion.send(map[string]interface{}{"type": "heartbeat", "uuid": "alice"})
	time.Sleep(100 * time.Millisecond)
	if snap, _ := app.sessions.Get("alice"); snap.Position.X == 99 {
		t.Error("companion device moved the player")
	}
}

func TestApplication_DisconnectAnnouncesLeave(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	alice := dialVoice(t, srv.URL, "/ws")
	alice.join("alice", "minecraft")
	bob := dialVoice(t, srv.URL, "/ws")
	bob.join("bob", "minecraft")
	alice.expectMatch("player_event", func(f map[string]interface{}) bool { return f["event"] == "join" })

	bob.close()

	leave := alice.expectMatch("player_event", func(f map[string]interface{}) bool { return f["event"] == "leave" })
	data := leave["data"].(map[string]interface{})
	if data["uuid"] != "bob" || data["totalPlayers"].(float64) != 1 {
		t.Errorf("leave event = %v", leave)
	}
}

func TestApplication_JoinTokenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Token = "s3cret"
	_, srv := startRelay(t, cfg)

	c := dialVoice(t, srv.URL, "/ws")
	c.send(map[string]interface{}{"type": "player_join", "uuid": "alice", "name": "Alice", "deviceType": "minecraft"})
	if res := c.expect("join_confirm"); res["success"] == true || res["reason"] != "invalid_token" {
		t.Errorf("join without token = %v", res)
	}

	c.send(map[string]interface{}{"type": "player_join", "uuid": "alice", "name": "Alice", "deviceType": "minecraft", "token": "s3cret"})
	if res := c.expect("join_confirm"); res["success"] != true {
		t.Errorf("join with token = %v", res)
	}
}

// FUNCTIONAL VALIDATION TEST: full lifecycle with a real listener and a
// persisted ban that survives a restart
func TestApplication_StartStopPersistsBans(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "bans.db")

	app, err := NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + app.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&health)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["database"] != "healthy" {
		t.Fatalf("health = %d %v", resp.StatusCode, health)
	}
	if !app.Hub().Running() {
		t.Error("hub should run after Start")
	}

	resp, err = http.Post(base+"/api/rate-limits/mallory/ban", "application/json", strings.NewReader(`{"duration_ms": 3600000}`))
	if err != nil {
		t.Fatalf("POST ban: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ban status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if app.Hub().Running() {
		t.Error("hub should stop with the application")
	}

	restarted, err := NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() { _ = restarted.Stop(context.Background()) }()
	if banned, _ := restarted.limiter.IsBanned("mallory"); !banned {
		t.Error("persisted ban not restored on restart")
	}
}
