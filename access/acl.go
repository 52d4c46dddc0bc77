// Package access implements the room-local checks performed by the VM's
// ACCESS phase: server ACL evaluation (m.room.server_acl) and room-wide
// ban tracking (m.room.member with membership=ban).
package access

import (
	"regexp"

	"go.mau.fi/util/glob"
)

var portRegex = regexp.MustCompile(`:\d+$`)
var ipRegex = regexp.MustCompile(`^(?:\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}|\[[0-9a-fA-F:.]+\])$`)

// CleanupServerNameForMatch strips a trailing port from a server name before
// matching it against ACL glob patterns.
func CleanupServerNameForMatch(serverName string) string {
	return portRegex.ReplaceAllString(serverName, "")
}

// IsIPLiteral reports whether serverName is an IPv4 or bracketed IPv6 literal.
func IsIPLiteral(serverName string) bool {
	return ipRegex.MatchString(serverName)
}

// ACL is the compiled form of a room's m.room.server_acl state event content.
// It is immutable once compiled; a new event produces a new ACL rather than
// mutating an existing one, so readers never observe a half-updated list.
type ACL struct {
	allow           []glob.Glob
	deny            []glob.Glob
	allowIPLiterals bool
}

// DefaultACL permits every server; it is used for rooms that have never set
// an m.room.server_acl state event.
var DefaultACL = &ACL{allow: []glob.Glob{glob.Compile("*")}, allowIPLiterals: true}

// CompileACL compiles a server_acl event's raw content fields into a
// matchable ACL.
func CompileACL(allow, deny []string, allowIPLiterals bool) *ACL {
	acl := &ACL{allowIPLiterals: allowIPLiterals}
	for _, pattern := range allow {
		acl.allow = append(acl.allow, glob.Compile(pattern))
	}
	for _, pattern := range deny {
		acl.deny = append(acl.deny, glob.Compile(pattern))
	}
	if len(acl.allow) == 0 {
		// An empty allow list is compiled as "*", so every server not
		// denied is allowed. An allow key that is absent and one that is
		// present but empty are treated alike.
		acl.allow = append(acl.allow, glob.Compile("*"))
	}
	return acl
}

// ServerAllowed implements the server_acl algorithm: a server is allowed iff
// it is not an unpermitted IP literal, matches some allow pattern, and
// matches no deny pattern.
func (a *ACL) ServerAllowed(serverName string) bool {
	if a == nil {
		return true
	}
	serverName = CleanupServerNameForMatch(serverName)
	if IsIPLiteral(serverName) && !a.allowIPLiterals {
		return false
	}
	allowed := false
	for _, pattern := range a.allow {
		if pattern.Match(serverName) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, pattern := range a.deny {
		if pattern.Match(serverName) {
			return false
		}
	}
	return true
}
