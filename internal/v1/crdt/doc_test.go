package crdt

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEditing(t *testing.T) {
	d := NewDocWithClient(1)

	_, err := d.InsertText(0, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Text())

	_, err = d.InsertText(5, " world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", d.Text())

	_, err = d.InsertText(5, ",")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", d.Text())

	_, err = d.DeleteRange(5, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", d.Text())
	assert.Equal(t, 11, d.Len())
}

func TestInsertOutOfRange(t *testing.T) {
	d := NewDocWithClient(1)
	_, err := d.InsertText(3, "x")
	assert.Error(t, err)

	_, err = d.DeleteRange(0, 1)
	assert.Error(t, err)
}

func TestUpdateRelayConvergence(t *testing.T) {
	alice := NewDocWithClient(1)
	bob := NewDocWithClient(2)

	u1, err := alice.InsertText(0, "hello")
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(u1, nil))
	assert.Equal(t, "hello", bob.Text())

	u2, err := bob.InsertText(5, " world")
	require.NoError(t, err)
	require.NoError(t, alice.ApplyUpdate(u2, nil))

	assert.Equal(t, "hello world", alice.Text())
	assert.Equal(t, "hello world", bob.Text())
	assert.Equal(t, alice.EncodeStateAsUpdate(), bob.EncodeStateAsUpdate())
}

func TestConcurrentEditsConverge(t *testing.T) {
	alice := NewDocWithClient(1)
	bob := NewDocWithClient(2)

	base, err := alice.InsertText(0, "base")
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(base, nil))

	// Divergent concurrent edits at the same position.
	ua, err := alice.InsertText(4, "-alice")
	require.NoError(t, err)
	ub, err := bob.InsertText(4, "-bob")
	require.NoError(t, err)

	require.NoError(t, alice.ApplyUpdate(ub, nil))
	require.NoError(t, bob.ApplyUpdate(ua, nil))

	assert.Equal(t, alice.Text(), bob.Text())
	assert.Equal(t, alice.EncodeStateAsUpdate(), bob.EncodeStateAsUpdate())
	// Both runs stay contiguous; siblings never interleave characters.
	assert.Contains(t, []string{"base-alice-bob", "base-bob-alice"}, alice.Text())
}

func TestApplyIsIdempotentAndOrderInsensitive(t *testing.T) {
	src := NewDocWithClient(1)
	var updates [][]byte
	words := []string{"a", "b", "c", "d", "e"}
	for i, w := range words {
		u, err := src.InsertText(i, w)
		require.NoError(t, err)
		updates = append(updates, u)
	}
	del, err := src.DeleteRange(1, 2)
	require.NoError(t, err)
	updates = append(updates, del)

	for seed := int64(0); seed < 10; seed++ {
		r := rand.New(rand.NewSource(seed))
		dst := NewDocWithClient(99)
		perm := r.Perm(len(updates))
		for _, i := range perm {
			require.NoError(t, dst.ApplyUpdate(updates[i], nil))
		}
		// Second pass: idempotence.
		for _, i := range perm {
			require.NoError(t, dst.ApplyUpdate(updates[i], nil))
		}
		assert.Equal(t, src.Text(), dst.Text(), "seed %d", seed)
		assert.Equal(t, 0, dst.PendingItems())
	}
}

func TestDiffUpdateSendsExactlyTheMissingState(t *testing.T) {
	server := NewDocWithClient(100)
	alice := NewDocWithClient(1)

	u, err := alice.InsertText(0, "abc")
	require.NoError(t, err)
	require.NoError(t, server.ApplyUpdate(u, nil))

	// Alice drops; Bob keeps editing against the server.
	bob := NewDocWithClient(2)
	require.NoError(t, bob.ApplyUpdate(server.EncodeStateAsUpdate(), nil))
	ub, err := bob.InsertText(3, "xyz")
	require.NoError(t, err)
	require.NoError(t, server.ApplyUpdate(ub, nil))

	// Reconnect: the diff against Alice's vector must advance her to the
	// server state.
	diff := server.DiffUpdate(alice.EncodeStateVector())
	require.NoError(t, alice.ApplyUpdate(diff, nil))

	assert.Equal(t, "abcxyz", alice.Text())
	assert.Equal(t, server.EncodeStateAsUpdate(), alice.EncodeStateAsUpdate())
}

func TestDiffUpdateFallsBackToFullState(t *testing.T) {
	d := NewDocWithClient(1)
	_, err := d.InsertText(0, "content")
	require.NoError(t, err)

	full := d.EncodeStateAsUpdate()
	assert.Equal(t, full, d.DiffUpdate(nil))
	assert.Equal(t, full, d.DiffUpdate([]byte{0xff, 0xff, 0xff}))
}

func TestDiffUpdateIsIdempotent(t *testing.T) {
	server := NewDocWithClient(100)
	client := NewDocWithClient(1)

	u, err := client.InsertText(0, "shared")
	require.NoError(t, err)
	require.NoError(t, server.ApplyUpdate(u, nil))

	other := NewDocWithClient(2)
	require.NoError(t, other.ApplyUpdate(server.EncodeStateAsUpdate(), nil))
	u2, err := other.InsertText(6, "!")
	require.NoError(t, err)
	require.NoError(t, server.ApplyUpdate(u2, nil))

	diff := server.DiffUpdate(client.EncodeStateVector())
	require.NoError(t, client.ApplyUpdate(diff, nil))
	before := client.EncodeStateAsUpdate()
	require.NoError(t, client.ApplyUpdate(diff, nil))
	assert.Equal(t, before, client.EncodeStateAsUpdate())
}

func TestMergeUpdatesCoalesces(t *testing.T) {
	src := NewDocWithClient(1)
	var updates [][]byte
	for i, ch := range "abcdefghij" {
		u, err := src.InsertText(i, string(ch))
		require.NoError(t, err)
		updates = append(updates, u)
	}

	merged, err := MergeUpdates(updates)
	require.NoError(t, err)

	dst := NewDocWithClient(2)
	require.NoError(t, dst.ApplyUpdate(merged, nil))
	assert.Equal(t, "abcdefghij", dst.Text())

	// Duplicates collapse.
	again, err := MergeUpdates([][]byte{merged, updates[0], updates[3]})
	require.NoError(t, err)
	assert.Equal(t, merged, again)
}

func TestMergeUpdatesRejectsGarbage(t *testing.T) {
	_, err := MergeUpdates([][]byte{{0xde, 0xad}})
	assert.Error(t, err)

	_, err = MergeUpdates(nil)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := NewDocWithClient(1)
	_, err := d.InsertText(0, "persist me")
	require.NoError(t, err)
	_, err = d.DeleteRange(0, 2)
	require.NoError(t, err)
	require.Equal(t, "rsist me", d.Text())

	snapshot := d.EncodeStateAsUpdate()

	fresh := NewDocWithClient(2)
	require.NoError(t, fresh.ApplyUpdate(snapshot, nil))
	assert.Equal(t, "rsist me", fresh.Text())
	assert.Equal(t, snapshot, fresh.EncodeStateAsUpdate())
}

func TestMalformedUpdateDoesNotMutate(t *testing.T) {
	d := NewDocWithClient(1)
	_, err := d.InsertText(0, "safe")
	require.NoError(t, err)
	before := d.EncodeStateAsUpdate()

	assert.Error(t, d.ApplyUpdate([]byte{0x09, 0x01}, nil))
	assert.Error(t, d.ApplyUpdate([]byte("garbage"), nil))
	assert.Equal(t, before, d.EncodeStateAsUpdate())
	assert.Equal(t, "safe", d.Text())
}

func TestOnUpdateOriginFiltering(t *testing.T) {
	d := NewDocWithClient(1)
	providerOrigin := &struct{}{}

	var locals, remotes int
	unsub := d.OnUpdate(func(update []byte, origin any) {
		if origin == providerOrigin {
			remotes++
		} else {
			locals++
		}
	})

	_, err := d.InsertText(0, "x")
	require.NoError(t, err)

	other := NewDocWithClient(2)
	u, err := other.InsertText(0, "y")
	require.NoError(t, err)
	require.NoError(t, d.ApplyUpdate(u, providerOrigin))

	assert.Equal(t, 1, locals)
	assert.Equal(t, 1, remotes)

	unsub()
	_, err = d.InsertText(0, "z")
	require.NoError(t, err)
	assert.Equal(t, 1, locals, "unsubscribed handler must not fire")
}

func TestNoNotificationForNoOpUpdate(t *testing.T) {
	d := NewDocWithClient(1)
	u, err := d.InsertText(0, "a")
	require.NoError(t, err)

	fired := 0
	d.OnUpdate(func(update []byte, origin any) { fired++ })

	// Applying our own already-known update changes nothing.
	require.NoError(t, d.ApplyUpdate(u, nil))
	assert.Equal(t, 0, fired)
}

func TestOutOfOrderDeliveryParksThenIntegrates(t *testing.T) {
	src := NewDocWithClient(1)
	u1, err := src.InsertText(0, "a")
	require.NoError(t, err)
	u2, err := src.InsertText(1, "b")
	require.NoError(t, err)

	dst := NewDocWithClient(2)
	require.NoError(t, dst.ApplyUpdate(u2, nil))
	assert.Equal(t, "", dst.Text())
	assert.Equal(t, 1, dst.PendingItems())

	require.NoError(t, dst.ApplyUpdate(u1, nil))
	assert.Equal(t, "ab", dst.Text())
	assert.Equal(t, 0, dst.PendingItems())
}

func TestStateVectorEncoding(t *testing.T) {
	d := NewDocWithClient(7)
	_, err := d.InsertText(0, "ab")
	require.NoError(t, err)

	sv, err := decodeStateVector(d.EncodeStateVector())
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{7: 3}, sv)

	empty := NewDocWithClient(1)
	sv, err = decodeStateVector(empty.EncodeStateVector())
	require.NoError(t, err)
	assert.Empty(t, sv)
}

func TestManyClientsFuzzConvergence(t *testing.T) {
	const clients = 4
	const rounds = 40

	r := rand.New(rand.NewSource(42))
	docs := make([]*Doc, clients)
	for i := range docs {
		docs[i] = NewDocWithClient(uint64(i + 1))
	}
	var updates [][]byte

	for round := 0; round < rounds; round++ {
		d := docs[r.Intn(clients)]
		if d.Len() > 0 && r.Intn(4) == 0 {
			idx := r.Intn(d.Len())
			n := 1 + r.Intn(min(3, d.Len()-idx))
			u, err := d.DeleteRange(idx, n)
			require.NoError(t, err)
			updates = append(updates, u)
		} else {
			idx := 0
			if d.Len() > 0 {
				idx = r.Intn(d.Len() + 1)
			}
			u, err := d.InsertText(idx, string(rune('a'+r.Intn(26))))
			require.NoError(t, err)
			updates = append(updates, u)
		}
		// Relay everything to everyone, in shuffled order per replica.
		for _, dst := range docs {
			perm := r.Perm(len(updates))
			for _, i := range perm {
				require.NoError(t, dst.ApplyUpdate(updates[i], nil))
			}
		}
	}

	ref := docs[0].EncodeStateAsUpdate()
	for i, d := range docs[1:] {
		assert.True(t, bytes.Equal(ref, d.EncodeStateAsUpdate()), "replica %d diverged", i+1)
		assert.Equal(t, docs[0].Text(), d.Text())
	}
}
