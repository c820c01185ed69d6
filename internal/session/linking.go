package session

import (
	"crypto/rand"
	"math"
	"sync"
	"time"

	"proxvoice/pkg/types"
)

// DefaultCodeTTL is how long an issued linking code stays valid.
const DefaultCodeTTL = 2 * time.Minute

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type pendingCode struct {
	code      string
	expiresAt time.Time
}

// Linker issues and redeems one-time codes that let a second device join an
// existing session.
// FUNCTIONAL DISCOVERY: Validate checks and consumes under one lock, so two
// devices racing with the same code can never both succeed
type Linker struct {
	mu    sync.Mutex
	ttl   time.Duration
	codes map[string]pendingCode
	now   func() time.Time
}

// NewLinker creates a linker. Non-positive ttl uses DefaultCodeTTL.
func NewLinker(ttl time.Duration, now func() time.Time) *Linker {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Linker{ttl: ttl, codes: make(map[string]pendingCode), now: now}
}

// Issue generates a fresh code for uuid, replacing any outstanding one.
func (l *Linker) Issue(uuid string) (string, time.Time) {
	code := generateCode()

	l.mu.Lock()
	defer l.mu.Unlock()

	expires := l.now().Add(l.ttl)
	l.codes[uuid] = pendingCode{code: code, expiresAt: expires}
	return code, expires
}

// Validate consumes uuid's code if submitted matches it. Comparison is
// case-insensitive. Expired codes are removed and reported as expired.
func (l *Linker) Validate(uuid, submitted string) error {
	normalized, err := types.NormalizeLinkingCode(submitted)

	l.mu.Lock()
	defer l.mu.Unlock()

	pending, ok := l.codes[uuid]
	if !ok {
		return ErrNoLinkingCode
	}
	if !l.now().Before(pending.expiresAt) {
		delete(l.codes, uuid)
		return ErrLinkingCodeExpired
	}
	if err != nil || normalized != pending.code {
		return ErrInvalidLinkingCode
	}
	delete(l.codes, uuid)
	return nil
}

// Peek returns uuid's outstanding code and the whole seconds remaining,
// rounded up, without consuming it.
func (l *Linker) Peek(uuid string) (string, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, ok := l.codes[uuid]
	if !ok {
		return "", 0, false
	}
	remaining := pending.expiresAt.Sub(l.now())
	if remaining <= 0 {
		delete(l.codes, uuid)
		return "", 0, false
	}
	return pending.code, int(math.Ceil(remaining.Seconds())), true
}

// Clear forgets uuid's code.
func (l *Linker) Clear(uuid string) {
	l.mu.Lock()
	delete(l.codes, uuid)
	l.mu.Unlock()
}

// Sweep removes expired codes and returns how many were dropped.
func (l *Linker) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for uuid, p := range l.codes {
		if !now.Before(p.expiresAt) {
			delete(l.codes, uuid)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding codes.
func (l *Linker) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.codes)
}

// TECHNICAL DISCOVERY: Codes are drawn from crypto/rand over a 36-symbol
// alphabet
func generateCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("linking: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
