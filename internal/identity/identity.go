// Package identity canonicalises chat and user identifiers.
//
// The transport reports the same person in several shapes: a bare phone
// number ("+972501234567"), a fully-qualified user identifier
// ("972501234567@s.whatsapp.net") or a device-scoped one
// ("972501234567:12@s.whatsapp.net"). Everything that keys state by user
// (sessions, staleness, human-takeover checks) goes through Canonical so
// these forms collapse to one key.
package identity

import (
	"strings"
)

const (
	// UserServer is the domain of direct-chat user identifiers.
	UserServer = "s.whatsapp.net"
	// GroupServer is the domain of group chat identifiers.
	GroupServer = "g.us"
	// LegacyUserServer is an older user domain some bridges still emit.
	LegacyUserServer = "c.us"
)

// Canonical returns the canonical identifier for a user or chat.
//
// User forms become "<digits>@s.whatsapp.net" with any leading "+",
// device suffix and legacy domain removed. Group identifiers and values
// that are not recognisably phone based are returned trimmed but
// otherwise unchanged.
func Canonical(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}

	local, server, hasServer := strings.Cut(id, "@")
	if hasServer {
		server = strings.ToLower(server)
		if server == GroupServer {
			return local + "@" + GroupServer
		}
		if server != UserServer && server != LegacyUserServer {
			return id
		}
	}

	local = strings.TrimPrefix(local, "+")
	if user, _, hasDevice := strings.Cut(local, ":"); hasDevice {
		local = user
	}
	if !isDigits(local) {
		return id
	}
	return local + "@" + UserServer
}

// UserJID builds the direct-chat identifier for a phone number.
func UserJID(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	return phone + "@" + UserServer
}

// IsGroup reports whether id names a group chat.
func IsGroup(id string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(id)), "@"+GroupServer)
}

// Same reports whether two identifiers refer to the same user or chat.
func Same(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
