package router

import "errors"

// Router rejection errors. Handlers map these onto typed outbound frames
// and never write the raw text of an internal error to a client.
var (
	ErrNotJoined        = errors.New("connection has not joined a session")
	ErrIdentityMismatch = errors.New("frame uuid does not match the joined session")
	ErrNotSpeaking      = errors.New("audio chunk without audio_start")
	ErrMissingDeps      = errors.New("router requires a session registry, limiter, bitrate controller, codec and validator")
)
