package protocol

import (
	"errors"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(64 * 1024)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidator_KnownTypes(t *testing.T) {
	v := newTestValidator(t)
	for _, typ := range []string{
		"player_join", "player_leave", "player_update", "team_change",
		"audio_start", "audio_chunk", "audio_stop",
		"mute_player", "unmute_player", "heartbeat",
		"report_latency", "report_packet_loss",
		"submit_linking_code", "get_linking_code",
	} {
		if !v.Known(typ) {
			t.Errorf("schema missing for %s", typ)
		}
	}
	if v.Types() != 14 {
		t.Errorf("Types = %d", v.Types())
	}
}

func TestValidator_Decode(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		raw     string
		wantErr error
		wantTyp string
	}{
		{"join", `{"type":"player_join","uuid":"u1","name":"Steve","deviceType":"minecraft"}`, nil, "player_join"},
		{"join missing name", `{"type":"player_join","uuid":"u1"}`, ErrMalformedFrame, "player_join"},
		{"update with position", `{"type":"player_update","uuid":"u1","position":{"x":1,"y":2,"z":3},"dimension":"overworld"}`, nil, "player_update"},
		{"update bad position", `{"type":"player_update","uuid":"u1","position":{"x":"far"}}`, ErrMalformedFrame, "player_update"},
		{"team null", `{"type":"team_change","uuid":"u1","teamId":null}`, nil, "team_change"},
		{"chunk without data", `{"type":"audio_chunk","uuid":"u1"}`, ErrMalformedFrame, "audio_chunk"},
		{"negative latency", `{"type":"report_latency","uuid":"u1","latency":-5}`, ErrMalformedFrame, "report_latency"},
		{"loss over 100", `{"type":"report_packet_loss","uuid":"u1","packetLoss":150}`, ErrMalformedFrame, "report_packet_loss"},
		{"unknown", `{"type":"dance","uuid":"u1"}`, ErrUnknownType, "dance"},
		{"no type", `{"uuid":"u1"}`, ErrMalformedFrame, ""},
		{"not json", `{nope`, ErrMalformedFrame, ""},
		{"array", `[1,2]`, ErrMalformedFrame, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := v.Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode error = %v, want %v", err, tt.wantErr)
			}
			if env.Type != tt.wantTyp {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantTyp)
			}
		})
	}
}

func TestValidator_FrameTooLarge(t *testing.T) {
	v, err := NewValidator(16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Decode([]byte(`{"type":"heartbeat","uuid":"abcdefgh"}`)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame = %v", err)
	}
}

func TestEnvelope_Bind(t *testing.T) {
	v := newTestValidator(t)
	env, err := v.Decode([]byte(`{"type":"audio_chunk","uuid":"u1","audioData":"AQID"}`))
	if err != nil {
		t.Fatal(err)
	}
	var f AudioFrame
	if err := env.Bind(&f); err != nil {
		t.Fatal(err)
	}
	if f.UUID != "u1" || len(f.AudioData) != 3 || f.AudioData[2] != 3 {
		t.Errorf("bound frame = %+v", f)
	}
}

func TestPlayerUpdateFrame_TeamPresence(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantSet bool
		want    string
	}{
		{"absent", `{"uuid":"u1"}`, false, ""},
		{"null clears", `{"uuid":"u1","teamId":null}`, true, ""},
		{"value", `{"uuid":"u1","teamId":"red"}`, true, "red"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f PlayerUpdateFrame
			if err := (Envelope{Raw: []byte(tt.raw)}).Bind(&f); err != nil {
				t.Fatal(err)
			}
			if f.TeamID.Set != tt.wantSet || f.TeamID.Value != tt.want {
				t.Errorf("TeamID = %+v", f.TeamID)
			}
			if p := f.TeamID.Ptr(); (p != nil) != tt.wantSet {
				t.Errorf("Ptr = %v, set %v", p, tt.wantSet)
			}
		})
	}
}
