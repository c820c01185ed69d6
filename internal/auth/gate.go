// Package auth implements the join admission checks: an optional shared
// token plus name/uuid allow and deny lists.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrBlacklisted    = errors.New("blacklisted")
	ErrNotWhitelisted = errors.New("not_whitelisted")
	ErrInvalidToken   = errors.New("invalid_token")
)

// Config lists the admission rules. Entries match a player's name or uuid,
// case-insensitively.
type Config struct {
	Token     string
	Whitelist []string
	Blacklist []string
}

// Gate is immutable after construction and safe for concurrent use.
type Gate struct {
	token     string
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

// NewGate builds a gate. An empty whitelist admits everyone not blacklisted.
func NewGate(cfg Config) *Gate {
	return &Gate{
		token:     cfg.Token,
		whitelist: toSet(cfg.Whitelist),
		blacklist: toSet(cfg.Blacklist),
	}
}

func toSet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func (g *Gate) listed(set map[string]struct{}, name, uuid string) bool {
	_, byName := set[strings.ToLower(name)]
	_, byUUID := set[strings.ToLower(uuid)]
	return byName || byUUID
}

// Admit checks a join. The deny list wins over the allow list.
func (g *Gate) Admit(name, uuid, token string) error {
	if g.token != "" && subtle.ConstantTimeCompare([]byte(g.token), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	if g.listed(g.blacklist, name, uuid) {
		return ErrBlacklisted
	}
	if len(g.whitelist) > 0 && !g.listed(g.whitelist, name, uuid) {
		return ErrNotWhitelisted
	}
	return nil
}
