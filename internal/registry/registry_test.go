package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

type fakeConn struct {
	sent []protocol.Envelope
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}

func register(t *testing.T, r *Registry, conn Conn, machineID string, userID *uuid.UUID, sessions ...protocol.SessionSummary) *WorkerRecord {
	t.Helper()
	return r.Register(conn, protocol.RegisterPayload{
		MachineID: machineID,
		Hostname:  "host-" + machineID,
		Sessions:  sessions,
	}, userID)
}

func TestRegisterAndLookupByMachineID(t *testing.T) {
	r := New(false)
	userID := uuid.New()
	conn := &fakeConn{}

	register(t, r, conn, "m1", &userID)

	rec, err := r.WorkerByMachineIDForUser("m1", userID)
	require.NoError(t, err)
	require.Equal(t, "m1", rec.MachineID)
	require.Equal(t, "host-m1", rec.Hostname)
}

func TestReconnectEvictsStaleRecord(t *testing.T) {
	r := New(false)
	userID := uuid.New()
	oldConn := &fakeConn{}
	newConn := &fakeConn{}

	register(t, r, oldConn, "m1", &userID)
	register(t, r, newConn, "m1", &userID)

	rec, err := r.WorkerByMachineIDForUser("m1", userID)
	require.NoError(t, err)
	require.Same(t, Conn(newConn), rec.Conn)

	// The stale connection's deferred unregister must not tear down the
	// replacement record.
	r.Unregister(oldConn)
	rec, err = r.WorkerByMachineIDForUser("m1", userID)
	require.NoError(t, err)
	require.Same(t, Conn(newConn), rec.Conn)
}

func TestUnregisterUnknownConnIsNoop(t *testing.T) {
	r := New(false)
	r.Unregister(&fakeConn{})
}

func TestOwnershipIsIndistinguishableFromAbsence(t *testing.T) {
	r := New(false)
	owner := uuid.New()
	other := uuid.New()

	register(t, r, &fakeConn{}, "m1", &owner, protocol.SessionSummary{SessionID: "s1"})

	_, err := r.WorkerByMachineIDForUser("m1", other)
	require.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))

	_, errMissing := r.WorkerByMachineIDForUser("nope", other)
	require.Equal(t, relayerr.KindOf(errMissing), relayerr.KindOf(err))

	_, err = r.WorkerForSessionByUser("s1", other)
	require.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))
}

func TestOpenModeOwnsUnownedWorkers(t *testing.T) {
	r := New(true)
	anyone := uuid.New()

	register(t, r, &fakeConn{}, "m1", nil, protocol.SessionSummary{SessionID: "s1"})

	rec, err := r.WorkerByMachineIDForUser("m1", anyone)
	require.NoError(t, err)
	require.Nil(t, rec.UserID)

	rec, err = r.WorkerForSessionByUser("s1", anyone)
	require.NoError(t, err)
	require.Equal(t, "m1", rec.MachineID)
	require.Len(t, r.WorkersForUser(anyone), 1)
}

func TestClosedModeHidesUnownedWorkers(t *testing.T) {
	r := New(false)
	anyone := uuid.New()

	register(t, r, &fakeConn{}, "m1", nil)

	_, err := r.WorkerByMachineIDForUser("m1", anyone)
	require.Error(t, err)
	require.Empty(t, r.WorkersForUser(anyone))
}

func TestUpdateSessionsIncremental(t *testing.T) {
	r := New(false)
	userID := uuid.New()
	conn := &fakeConn{}
	register(t, r, conn, "m1", &userID, protocol.SessionSummary{SessionID: "s1", Title: "one"})

	var deltas []SessionsChangedEvent
	unsub := r.OnSessionsChanged(func(ev SessionsChangedEvent) { deltas = append(deltas, ev) })
	defer unsub()

	r.UpdateSessionsIncremental(conn, protocol.SessionsChangedPayload{
		Added:   []protocol.SessionSummary{{SessionID: "s2"}},
		Updated: []protocol.SessionSummary{{SessionID: "s1", Title: "renamed"}},
	})

	sessions := r.SessionsForUser(userID)
	require.Len(t, sessions, 2)
	byID := make(map[string]protocol.SessionSummary)
	for _, s := range sessions {
		byID[s.SessionID] = s
	}
	require.Equal(t, "renamed", byID["s1"].Title)

	// Updated for an unknown id appends rather than getting lost.
	r.UpdateSessionsIncremental(conn, protocol.SessionsChangedPayload{
		Updated: []protocol.SessionSummary{{SessionID: "s3"}},
	})
	require.Len(t, r.SessionsForUser(userID), 3)

	r.UpdateSessionsIncremental(conn, protocol.SessionsChangedPayload{Removed: []string{"s1", "s3"}})
	sessions = r.SessionsForUser(userID)
	require.Len(t, sessions, 1)
	require.Equal(t, "s2", sessions[0].SessionID)

	require.Len(t, deltas, 3)
	require.Equal(t, "m1", deltas[0].MachineID)
}

func TestRemoveSessionsEmitsRemovedDelta(t *testing.T) {
	r := New(false)
	userID := uuid.New()
	conn := &fakeConn{}
	register(t, r, conn, "m1", &userID,
		protocol.SessionSummary{SessionID: "s1"},
		protocol.SessionSummary{SessionID: "s2"})

	var deltas []SessionsChangedEvent
	defer r.OnSessionsChanged(func(ev SessionsChangedEvent) { deltas = append(deltas, ev) })()

	r.RemoveSessions("m1", []string{"s1", "absent"})

	require.Len(t, deltas, 1)
	require.Equal(t, []string{"s1"}, deltas[0].Delta.Removed)
	require.Len(t, r.SessionsForUser(userID), 1)

	// Nothing actually removed, nothing emitted.
	r.RemoveSessions("m1", []string{"absent"})
	require.Len(t, deltas, 1)
}

func TestStatusEvents(t *testing.T) {
	r := New(false)
	userID := uuid.New()
	conn := &fakeConn{}

	var got []StatusEvent
	defer r.OnStatus(func(ev StatusEvent) { got = append(got, ev) })()

	register(t, r, conn, "m1", &userID, protocol.SessionSummary{SessionID: "s1"})
	r.Unregister(conn)

	require.Len(t, got, 2)
	require.True(t, got[0].Connected)
	require.Equal(t, 1, got[0].SessionCount)
	require.False(t, got[1].Connected)
}
