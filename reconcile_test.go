package chatsync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactMatch(t *testing.T) {
	local := localMsg("c1", RoleUser, "hi", testNow)

	tests := []struct {
		name   string
		remote Message
		want   bool
	}{
		{"same client id", Message{ClientID: "c1"}, true},
		{"other client id", Message{ClientID: "c2"}, false},
		{"no client id", Message{ServerID: "s1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExactMatch(&local, &tt.remote))
		})
	}
}

func TestProbableMatch(t *testing.T) {
	local := localMsg("c1", RoleUser, "hello", testNow)

	tests := []struct {
		name   string
		remote Message
		want   bool
	}{
		{"same text inside window", serverMsg("s1", RoleUser, "hello", testNow.Add(3*time.Second)), true},
		{"window edge", serverMsg("s1", RoleUser, "hello", testNow.Add(-MatchWindow)), true},
		{"outside window", serverMsg("s1", RoleUser, "hello", testNow.Add(MatchWindow+time.Millisecond)), false},
		{"different text", serverMsg("s1", RoleUser, "hello!", testNow), false},
		{"different role", serverMsg("s1", RoleAssistant, "hello", testNow), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProbableMatch(&local, &tt.remote))
		})
	}
}

func TestFindConfirmationPrefersExact(t *testing.T) {
	local := localMsg("c1", RoleUser, "hello", testNow)
	remote := []Message{
		serverMsg("s1", RoleUser, "hello", testNow),
		{ID: "s2", ServerID: "s2", ClientID: "c1", Role: RoleUser, Content: []ContentPart{TextPart("hello")}, CreatedAt: testNow.Add(time.Hour)},
	}
	assert.Equal(t, 1, FindConfirmation(&local, remote))
	assert.Equal(t, -1, FindConfirmation(&local, nil))
}

func TestMergeReplacesOptimisticInPlace(t *testing.T) {
	local := []Message{
		serverMsg("s0", RoleAssistant, "earlier", testNow.Add(-time.Minute)),
		localMsg("c1", RoleUser, "hi", testNow),
	}
	remote := []Message{
		serverMsg("s0", RoleAssistant, "earlier", testNow.Add(-time.Minute)),
		{ID: "s1", ServerID: "s1", ClientID: "c1", Role: RoleUser, Content: []ContentPart{TextPart("hi")}, CreatedAt: testNow.Add(time.Second)},
		serverMsg("s2", RoleAssistant, "hello", testNow.Add(2*time.Second)),
	}

	out := Merge(local, remote)
	require.Len(t, out, 3)
	assert.Equal(t, "s1", out[1].ID)
	assert.Equal(t, "c1", out[1].ClientID)
	assert.Equal(t, StatusNone, out[1].Status)
	assert.Equal(t, "s2", out[2].ID)

	// Inputs are untouched.
	assert.Equal(t, StatusSending, local[1].Status)
}

func TestMergeIsIdempotent(t *testing.T) {
	local := []Message{localMsg("c1", RoleUser, "hi", testNow)}
	remote := []Message{
		serverMsg("s1", RoleUser, "hi", testNow.Add(time.Second)),
		serverMsg("s2", RoleAssistant, "hello", testNow.Add(2*time.Second)),
	}

	once := Merge(local, remote)
	twice := Merge(once, remote)
	assert.Equal(t, once, twice)
	require.Len(t, twice, 2)
}

func TestMergeAtMostOneConfirmation(t *testing.T) {
	// Two identical optimistic messages, one server copy: only one is settled.
	local := []Message{
		localMsg("c1", RoleUser, "ok", testNow),
		localMsg("c2", RoleUser, "ok", testNow.Add(time.Second)),
	}
	remote := []Message{serverMsg("s1", RoleUser, "ok", testNow.Add(time.Second))}

	out := Merge(local, remote)
	require.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].ServerID)
	assert.Equal(t, StatusSending, out[1].Status)
	assert.Empty(t, out[1].ServerID)

	// And one optimistic message never swallows two server copies.
	local = []Message{localMsg("c1", RoleUser, "ok", testNow)}
	remote = []Message{
		serverMsg("s1", RoleUser, "ok", testNow),
		serverMsg("s2", RoleUser, "ok", testNow),
	}
	out = Merge(local, remote)
	require.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].ServerID)
	assert.Equal(t, "s2", out[1].ServerID)
}

func TestMergeKeepsUnconfirmedOptimistic(t *testing.T) {
	local := []Message{localMsg("c1", RoleUser, "still sending", testNow)}
	remote := []Message{serverMsg("s1", RoleAssistant, "unrelated", testNow)}

	out := Merge(local, remote)
	require.Len(t, out, 2)
	assert.Equal(t, "c1", out[0].ID)
	assert.Equal(t, StatusSending, out[0].Status)
}

func TestMergeSettlesStreamPlaceholder(t *testing.T) {
	placeholder := Message{
		ID:              "stream-abc",
		ClientID:        "stream-abc",
		Role:            RoleAssistant,
		Content:         []ContentPart{TextPart("Hello there")},
		CreatedAt:       testNow,
		StreamingStatus: StreamingComplete,
	}
	remote := []Message{serverMsg("s2", RoleAssistant, "Hello there", testNow.Add(time.Second))}

	out := Merge([]Message{placeholder}, remote)
	require.Len(t, out, 1)
	assert.Equal(t, "s2", out[0].ID)
	assert.Empty(t, out[0].ClientID, "stream identity is dropped once confirmed")
	assert.False(t, out[0].IsPlaceholder())
	assert.Equal(t, StreamingNone, out[0].StreamingStatus)
}

func TestMergeKeepsLocalAttachments(t *testing.T) {
	m := localMsg("c1", RoleUser, "see file", testNow)
	m.Attachments = []Attachment{{Name: "a.txt", MimeType: "text/plain", Content: "aGk="}}
	remote := []Message{{ID: "s1", ServerID: "s1", ClientID: "c1", Role: RoleUser, Content: []ContentPart{TextPart("see file")}, CreatedAt: testNow}}

	out := Merge([]Message{m}, remote)
	require.Len(t, out, 1)
	require.Len(t, out[0].Attachments, 1)
	assert.Equal(t, "a.txt", out[0].Attachments[0].Name)
}

func TestMergeWithoutServerIdentityIsIdempotent(t *testing.T) {
	local := []Message{localMsg("c1", RoleUser, "ping", testNow)}
	remote := []Message{
		{Role: RoleUser, Content: []ContentPart{TextPart("ping")}, CreatedAt: testNow.Add(time.Second)},
		{Role: RoleAssistant, Content: []ContentPart{TextPart("pong")}, CreatedAt: testNow.Add(2 * time.Second)},
	}

	first := Merge(local, remote)
	require.Len(t, first, 2)
	assert.Equal(t, "c1", first[0].ClientID)
	assert.True(t, strings.HasPrefix(first[0].ServerID, historyIDPrefix))
	assert.True(t, strings.HasPrefix(first[1].ServerID, historyIDPrefix))

	second := Merge(first, remote)
	require.Len(t, second, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, second, Merge(second, remote))
}

func TestMergeKeepsIdenticalMessagesWithoutServerIdentity(t *testing.T) {
	ok := Message{Role: RoleAssistant, Content: []ContentPart{TextPart("ok")}, CreatedAt: testNow}
	remote := []Message{ok, ok}

	out := Merge(nil, remote)
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].ServerID, out[1].ServerID)
	assert.Len(t, Merge(out, remote), 2)
}

func TestMergeSettlesFinalizedPlaceholderOutsideWindow(t *testing.T) {
	placeholder := Message{
		ID:        "stream-abc",
		ClientID:  "stream-abc",
		Role:      RoleAssistant,
		Content:   []ContentPart{TextPart("Hello there")},
		CreatedAt: testNow,
	}
	// The server stamped the reply when generation started.
	remote := []Message{serverMsg("s2", RoleAssistant, "Hello there", testNow.Add(-30*time.Second))}

	out := Merge([]Message{placeholder}, remote)
	require.Len(t, out, 1)
	assert.Equal(t, "s2", out[0].ID)

	placeholder.StreamingStatus = StreamingActive
	out = Merge([]Message{placeholder}, remote)
	assert.Len(t, out, 2, "a placeholder still streaming is not settled by text")
}
