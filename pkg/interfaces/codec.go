package interfaces

// Codec re-encodes audio payloads before fan-out
// ARCHITECTURAL DISCOVERY: Streams are keyed by speaker uuid so stateful
// codecs can keep per-speaker encoder state and release it on leave
type Codec interface {
	// Name is the codec label written into outbound audio_chunk frames
	Name() string

	// Encode converts a raw pcm16 payload at the requested bitrate
	Encode(streamID string, pcm []byte, bitrate int) ([]byte, error)

	// Decode reverses Encode; used by tests and the diagnostic surface
	Decode(streamID string, data []byte) ([]byte, error)

	// Release drops any state held for streamID
	Release(streamID string)
}
