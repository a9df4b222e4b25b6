package chatsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MatchWindow is the tolerance between an optimistic message and its server
// copy when the transport did not round-trip the client identity.
const MatchWindow = 10 * time.Second

const streamIDPrefix = "stream-"

// historyIDPrefix marks identities derived for server messages that carry none.
const historyIDPrefix = "hist-"

var historyNamespace = uuid.MustParse("6f1c2b8e-4a3d-5e7f-9b0a-1c2d3e4f5a6b")

func isStreamIdentity(id string) bool {
	return strings.HasPrefix(id, streamIDPrefix)
}

// isCandidate reports whether a local message still awaits confirmation.
// Settled messages are never re-matched, which keeps Merge idempotent.
func isCandidate(m *Message) bool {
	if m.Status == StatusSending {
		return true
	}
	if isStreamIdentity(m.ClientID) {
		return true
	}
	return m.ClientID != "" && m.ServerID == ""
}

// ExactMatch reports whether local and remote carry the same client or stream identity.
func ExactMatch(local, remote *Message) bool {
	if local.ClientID == "" || remote.ClientID == "" {
		return false
	}
	return local.ClientID == remote.ClientID
}

// ProbableMatch reports whether local and remote look like the same utterance:
// same role, identical text, timestamps within MatchWindow.
func ProbableMatch(local, remote *Message) bool {
	if local.Role != remote.Role {
		return false
	}
	if local.Text() != remote.Text() {
		return false
	}
	d := local.CreatedAt.Sub(remote.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= MatchWindow
}

// placeholderMatch reports whether remote is the server copy of a finalized
// stream placeholder. The server may stamp a reply when generation started,
// so no time window applies.
func placeholderMatch(local, remote *Message) bool {
	if !isStreamIdentity(local.ClientID) || local.StreamingStatus == StreamingActive {
		return false
	}
	text := local.Text()
	return text != "" && local.Role == remote.Role && text == remote.Text()
}

// Matches reports whether remote confirms local by either rule.
func Matches(local, remote *Message) bool {
	return ExactMatch(local, remote) || ProbableMatch(local, remote)
}

// FindConfirmation returns the index of the first remote message that confirms local.
func FindConfirmation(local *Message, remote []Message) int {
	for i := range remote {
		if ExactMatch(local, &remote[i]) {
			return i
		}
	}
	for i := range remote {
		if ProbableMatch(local, &remote[i]) {
			return i
		}
	}
	return -1
}

// Merge reconciles a server-confirmed transcript into a local list that may hold
// optimistic entries. Remote messages replace their local counterpart in place;
// unmatched remote messages are appended; unmatched optimistic messages are kept.
// The input slices are not modified.
func Merge(local, remote []Message) []Message {
	out := cloneMessages(local)
	claimed := make([]bool, len(out))

	for _, r := range normalizeHistory(remote) {
		if idx := indexByServerID(out, r.ServerID); idx >= 0 {
			out[idx] = settle(out[idx], r)
			claimed[idx] = true
			continue
		}

		idx := -1
		for _, match := range []func(local, remote *Message) bool{ExactMatch, ProbableMatch, placeholderMatch} {
			for li := range out {
				if claimed[li] || !isCandidate(&out[li]) {
					continue
				}
				if match(&out[li], &r) {
					idx = li
					break
				}
			}
			if idx >= 0 {
				break
			}
		}
		if idx >= 0 {
			out[idx] = settle(out[idx], r)
			claimed[idx] = true
			continue
		}

		out = append(out, r)
		claimed = append(claimed, true)
	}
	return out
}

// normalizeHistory normalizes every remote message. A message without a server
// identity gets one derived from its role, timestamp, content and its position
// among identical messages, so the same history always yields the same ids.
func normalizeHistory(remote []Message) []Message {
	out := make([]Message, len(remote))
	seen := make(map[string]int)
	for i := range remote {
		r := normalizeRemote(remote[i])
		if r.ServerID == "" {
			key := contentKey(&r)
			r.ServerID = derivedIdentity(key, seen[key])
			r.ID = r.ServerID
			seen[key]++
		}
		out[i] = r
	}
	return out
}

func contentKey(m *Message) string {
	return strings.Join([]string{
		string(m.Role),
		strconv.FormatInt(m.CreatedAt.UnixMilli(), 10),
		m.Text(),
		m.Thinking(),
	}, "\x00")
}

func derivedIdentity(key string, ordinal int) string {
	name := key + "\x00" + strconv.Itoa(ordinal)
	return historyIDPrefix + uuid.NewSHA1(historyNamespace, []byte(name)).String()
}

func normalizeRemote(r Message) Message {
	r = r.clone()
	if r.ServerID == "" {
		r.ServerID = r.ID
	}
	if r.ID == "" {
		r.ID = r.ServerID
	}
	r.Status = StatusNone
	r.StreamingStatus = StreamingNone
	return r
}

// settle turns local into the server record r, keeping the local client identity
// so patch/remove by that identity still finds it. Stream identities are not
// carried over: a confirmed message is no longer a placeholder.
func settle(local, r Message) Message {
	if r.ClientID == "" && !isStreamIdentity(local.ClientID) {
		r.ClientID = local.ClientID
	}
	if len(r.Attachments) == 0 && len(local.Attachments) > 0 {
		r.Attachments = local.Attachments
	}
	return r
}

func indexByServerID(list []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ServerID == id {
			return i
		}
	}
	return -1
}
