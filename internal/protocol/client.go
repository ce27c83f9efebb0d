// Package protocol defines the uniform contract every pool dialect
// implements: connect/disconnect, request work, submit a result, and
// emit events back to a host. Two concrete dialects live in the
// streaming and polling subpackages.
package protocol

import "github.com/phoenix2/phoenix/internal/work"

// Host receives events from a Client. Methods are invoked from the
// client's own goroutines (read loop, timers, in-flight HTTP calls),
// possibly concurrently; implementations must be safe for concurrent use
// and must not block.
type Host interface {
	OnConnect()
	OnDisconnect()
	OnFailure()
	OnMsg(text string)
	OnBlock(number int64)
	OnWork(aw work.AssignedWork)
	OnPush(aw work.AssignedWork)
	OnLongpoll(active bool)
	OnDebug(text string)
}

// Client is the capability set both pool dialects implement.
type Client interface {
	// Connect establishes the session. For the polling dialect this
	// issues the first ask; for the streaming dialect it dials and logs
	// in, retrying with backoff on failure.
	Connect() error

	// Disconnect tears the session down. The client should not be reused
	// afterward. Any futures returned by SubmitResult that are still
	// outstanding resolve to false.
	Disconnect()

	// RequestWork asks the server for more work immediately, if the
	// dialect supports doing so on demand.
	RequestWork()

	// SubmitResult sends a candidate solution and returns a future that
	// resolves true iff the server accepted it. Concurrent calls with
	// byte-identical sub share one future.
	SubmitResult(sub [work.SubmissionLen]byte) *Future

	// SetMeta sets a metadata variable sent to the server (version,
	// reported rate, …).
	SetMeta(key, value string)

	// SetVersion reports the client software version, formatted by
	// FormatVersion as "name[ vversion][ by author]", where name is
	// longname if set, else shortname.
	SetVersion(shortname, longname, version, author string)
}

// FormatVersion builds the string SetVersion reports: longname (or
// shortname if longname is empty), then " v"+version (no extra "v" if
// version already starts with 'v' or 'r'), then " by "+author.
func FormatVersion(shortname, longname, version, author string) string {
	vstr := shortname
	if longname != "" {
		vstr = longname
	}
	if version != "" {
		v := version
		if v[0] != 'v' && v[0] != 'r' {
			v = "v" + v
		}
		vstr += " " + v
	}
	if author != "" {
		vstr += " by " + author
	}
	return vstr
}
