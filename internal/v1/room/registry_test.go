package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

type stubClient struct {
	sessionID types.SessionIDType
	identity  types.Identity
}

func (s *stubClient) SessionID() types.SessionIDType { return s.sessionID }
func (s *stubClient) Identity() types.Identity       { return s.identity }
func (s *stubClient) Send(msg any)                   {}
func (s *stubClient) SendRaw(data []byte)            {}
func (s *stubClient) Disconnect()                    {}

func client(session, user string) *stubClient {
	return &stubClient{
		sessionID: types.SessionIDType(session),
		identity: types.Identity{
			UserID:      types.UserIDType(user),
			DisplayName: types.DisplayNameType("Name " + user),
			Email:       user + "@example.com",
		},
	}
}

func TestJoinReturnsPresenceIncludingJoiner(t *testing.T) {
	r := NewRegistry()

	users, _ := r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	require.Len(t, users, 1)
	assert.Equal(t, types.UserIDType("alice"), users[0].UserID)
	assert.Equal(t, types.RoleTypeOwner, users[0].Role)

	users, _ = r.Join("doc-1", client("s2", "bob"), types.RoleTypeViewer)
	assert.Len(t, users, 2)
}

func TestJoinSnapshotsFanoutPeers(t *testing.T) {
	r := NewRegistry()

	_, peersAlice := r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	assert.Empty(t, peersAlice)

	// Bob sees Alice inline in his presence list, so Alice's fanout set,
	// snapshotted at her insertion, must not contain him.
	usersBob, peersBob := r.Join("doc-1", client("s2", "bob"), types.RoleTypeEditor)
	assert.Len(t, usersBob, 2)
	require.Len(t, peersBob, 1)
	assert.Equal(t, types.SessionIDType("s1"), peersBob[0].SessionID())
	for _, p := range peersAlice {
		assert.NotEqual(t, types.SessionIDType("s2"), p.SessionID())
	}
}

func TestDuplicateJoinOverwrites(t *testing.T) {
	r := NewRegistry()
	c := client("s1", "alice")

	r.Join("doc-1", c, types.RoleTypeViewer)
	users, _ := r.Join("doc-1", c, types.RoleTypeEditor)

	require.Len(t, users, 1)
	assert.Equal(t, types.RoleTypeEditor, users[0].Role)
	assert.Equal(t, 1, r.SessionCount("doc-1"))
}

func TestLeave(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	r.Join("doc-1", client("s2", "bob"), types.RoleTypeEditor)

	removed, emptied, peers := r.Leave("doc-1", "s1")
	assert.True(t, removed)
	assert.False(t, emptied)
	require.Len(t, peers, 1)
	assert.Equal(t, types.SessionIDType("s2"), peers[0].SessionID())

	removed, emptied, peers = r.Leave("doc-1", "s2")
	assert.True(t, removed)
	assert.True(t, emptied)
	assert.Empty(t, peers)
	assert.False(t, r.InUse("doc-1"))
}

func TestLeaveWithoutJoinIsNoOp(t *testing.T) {
	r := NewRegistry()
	removed, emptied, _ := r.Leave("doc-1", "s1")
	assert.False(t, removed)
	assert.False(t, emptied)

	r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	removed, _, _ = r.Leave("doc-1", "s-unknown")
	assert.False(t, removed)
	assert.Equal(t, 1, r.SessionCount("doc-1"))
}

func TestLeaveAll(t *testing.T) {
	r := NewRegistry()
	c := client("s1", "alice")
	r.Join("doc-1", c, types.RoleTypeOwner)
	r.Join("doc-2", c, types.RoleTypeEditor)
	r.Join("doc-2", client("s2", "bob"), types.RoleTypeViewer)

	departures := r.LeaveAll("s1")
	require.Len(t, departures, 2)

	byDoc := make(map[types.DocumentIDType]Departure)
	for _, d := range departures {
		byDoc[d.DocumentID] = d
	}
	assert.True(t, byDoc["doc-1"].Emptied)
	assert.False(t, byDoc["doc-2"].Emptied)
	assert.Equal(t, types.UserIDType("alice"), byDoc["doc-1"].Subscriber.UserID)

	assert.Equal(t, 0, r.SessionCount("doc-1"))
	assert.Equal(t, 1, r.SessionCount("doc-2"))
}

func TestPeersExcludesSender(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	r.Join("doc-1", client("s2", "bob"), types.RoleTypeEditor)
	r.Join("doc-1", client("s3", "carol"), types.RoleTypeViewer)

	peers := r.Peers("doc-1", "s2")
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.NotEqual(t, types.SessionIDType("s2"), p.SessionID())
	}
}

func TestSameUserMultipleSessions(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", client("s1", "alice"), types.RoleTypeOwner)
	r.Join("doc-1", client("s2", "alice"), types.RoleTypeOwner)

	// Two sessions, two presence entries for the same user.
	assert.Equal(t, 2, r.SessionCount("doc-1"))
	assert.Len(t, r.Users("doc-1"), 2)

	removed, emptied, _ := r.Leave("doc-1", "s1")
	assert.True(t, removed)
	assert.False(t, emptied)
	assert.True(t, r.InUse("doc-1"))
}

func TestMember(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", client("s1", "alice"), types.RoleTypeEditor)

	sub, ok := r.Member("doc-1", "s1")
	require.True(t, ok)
	assert.Equal(t, types.RoleTypeEditor, sub.Role)

	_, ok = r.Member("doc-1", "s2")
	assert.False(t, ok)
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const sessions = 50

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := client(fmt.Sprintf("s%d", i), fmt.Sprintf("user%d", i))
			r.Join("doc-1", c, types.RoleTypeEditor)
			if i%2 == 0 {
				r.Leave("doc-1", c.SessionID())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, sessions/2, r.SessionCount("doc-1"))
}
