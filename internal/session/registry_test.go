// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemesis-dev/nemesis/internal/session"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []session.Message
	fail   bool
	closed bool
}

func (f *fakeSender) Send(_ context.Context, msg session.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) messages() []session.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Message(nil), f.sent...)
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistry_ConnectRejectsDuplicate(t *testing.T) {
	r := session.NewRegistry(nil)
	require.NoError(t, r.Connect("s1", "t1", &fakeSender{}))

	err := r.Connect("s1", "t1", &fakeSender{})
	require.Error(t, err)
	assert.True(t, nemerr.IsDuplicate(err))
	assert.Equal(t, 1, r.Count(""))
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	r := session.NewRegistry(nil)
	fs := &fakeSender{}
	require.NoError(t, r.Connect("s1", "t1", fs))

	r.Disconnect("s1")
	assert.True(t, fs.isClosed())
	assert.Equal(t, 0, r.Count(""))

	// Second call is a no-op, as is disconnecting an unknown id.
	r.Disconnect("s1")
	r.Disconnect("never-existed")
}

func TestRegistry_SendDeliversFrame(t *testing.T) {
	r := session.NewRegistry(nil)
	fs := &fakeSender{}
	require.NoError(t, r.Connect("s1", "t1", fs))

	err := r.Send(context.Background(), "s1", session.Message{
		Type:      session.TypeQueryResult,
		RequestID: "r1",
	})
	require.NoError(t, err)

	msgs := fs.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, session.TypeQueryResult, msgs[0].Type)
	assert.Equal(t, "r1", msgs[0].RequestID)
	assert.False(t, msgs[0].SentAt.IsZero())
}

func TestRegistry_SendToUnknownSession(t *testing.T) {
	r := session.NewRegistry(nil)
	err := r.Send(context.Background(), "ghost", session.Message{Type: session.TypeWelcome})
	require.Error(t, err)
	assert.True(t, nemerr.IsNotFound(err))
}

func TestRegistry_SendFailureEvictsSession(t *testing.T) {
	r := session.NewRegistry(nil)
	fs := &fakeSender{fail: true}
	require.NoError(t, r.Connect("s1", "t1", fs))

	err := r.Send(context.Background(), "s1", session.Message{Type: session.TypeWelcome})
	require.Error(t, err)
	assert.Equal(t, nemerr.CodeSessionSendFailure, nemerr.CodeOf(err))

	assert.Equal(t, 0, r.Count(""), "failed session must be evicted")
	assert.True(t, fs.isClosed())
}

func TestRegistry_BroadcastSkipsExcludedAndCounts(t *testing.T) {
	r := session.NewRegistry(nil)
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	require.NoError(t, r.Connect("a", "t1", a))
	require.NoError(t, r.Connect("b", "t1", b))
	require.NoError(t, r.Connect("c", "t2", c))

	n := r.Broadcast(context.Background(), "t1", session.Message{Type: session.TypeLearningUpdate}, "b")
	assert.Equal(t, 1, n)
	assert.Len(t, a.messages(), 1)
	assert.Empty(t, b.messages(), "excluded session receives nothing")
	assert.Empty(t, c.messages(), "other tenants receive nothing")
}

func TestRegistry_BroadcastEvictsFailedRecipients(t *testing.T) {
	r := session.NewRegistry(nil)
	good, bad := &fakeSender{}, &fakeSender{fail: true}
	require.NoError(t, r.Connect("good", "t1", good))
	require.NoError(t, r.Connect("bad", "t1", bad))

	n := r.Broadcast(context.Background(), "t1", session.Message{Type: session.TypeLearningUpdate}, "")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Count("t1"))
	assert.True(t, bad.isClosed())
}

func TestRegistry_HeartbeatAndSweep(t *testing.T) {
	r := session.NewRegistry(nil)
	fresh, stale := &fakeSender{}, &fakeSender{}
	require.NoError(t, r.Connect("fresh", "t1", fresh))
	require.NoError(t, r.Connect("stale", "t1", stale))

	assert.False(t, r.Heartbeat("ghost"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, r.Heartbeat("fresh"))

	evicted := r.SweepStale(20 * time.Millisecond)
	assert.Equal(t, []string{"stale"}, evicted)
	assert.Equal(t, 1, r.Count("t1"))
	assert.True(t, stale.isClosed())
}

func TestRegistry_TenantOf(t *testing.T) {
	r := session.NewRegistry(nil)
	require.NoError(t, r.Connect("s1", "t9", &fakeSender{}))

	tenant, ok := r.TenantOf("s1")
	require.True(t, ok)
	assert.Equal(t, "t9", tenant)

	_, ok = r.TenantOf("ghost")
	assert.False(t, ok)
}
