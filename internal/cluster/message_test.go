package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandText verifies commands travel by name and unknown names are rejected.
func TestCommandText(t *testing.T) {
	tests := []struct {
		cmd  Command
		name string
	}{
		{CmdStats, "STATS"},
		{CmdNewTask, "NEW_TASK"},
		{CmdAbort, "ABORT"},
		{CmdRemoveTask, "REMOVE_TASK"},
		{CmdResult, "RESULT"},
		{CmdSync, "SYNC"},
		{CmdHandshake, "HANDSHAKE"},
		{CmdSetLoadBalancer, "SET_LOAD_LB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := tt.cmd.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.name, string(text))

			var back Command
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, tt.cmd, back)
		})
	}

	var c Command
	assert.Error(t, c.UnmarshalText([]byte("REBOOT")))
	_, err := Command(99).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Command(99)", Command(99).String())
}

// TestMessageArgs checks the positional accessors used by the coordinator.
func TestMessageArgs(t *testing.T) {
	job := Job{ID: 12, Type: "matrix", Payload: []byte("abc")}
	msg := NewTask(4, job)

	owner, err := msg.Int(0)
	require.NoError(t, err)
	assert.Equal(t, 4, owner)

	got, err := msg.Job(1)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = msg.Int(2)
	assert.ErrorIs(t, err, ErrMissingArg)

	_, err = msg.Float(1)
	assert.Error(t, err, "a job object is not a number")
}

// TestMessageWithArgCopies ensures WithArg leaves the original untouched.
func TestMessageWithArgCopies(t *testing.T) {
	orig, err := Result(2, 100, []byte("out"), 0.4)
	require.NoError(t, err)

	swapped, err := orig.WithArg(1, 7)
	require.NoError(t, err)

	id, _ := orig.Int(1)
	assert.Equal(t, 100, id)
	id, _ = swapped.Int(1)
	assert.Equal(t, 7, id)

	share, err := swapped.Float(3)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, share, 1e-9)

	extended, err := HandshakeProbe().WithArg(2, "x")
	require.NoError(t, err)
	require.Len(t, extended.Args, 3)
	assert.Equal(t, json.RawMessage("null"), extended.Args[0])
}

// TestMessageKey verifies content equality ignores identity of the value.
func TestMessageKey(t *testing.T) {
	a, _ := Result(1, 5, []byte("r"), 0.5)
	b, _ := Result(1, 5, []byte("r"), 0.5)
	c, _ := Result(1, 6, []byte("r"), 0.5)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())
}

// TestMessageJSON round trips a message through its wire form once.
func TestMessageJSON(t *testing.T) {
	msg := Sync(NullID, 9000, RoleWorker)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"command":"SYNC"`)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, msg.Equal(back))

	role, err := back.Role(2)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, role)
}

// TestRoleAndLocation covers the small value types.
func TestRoleAndLocation(t *testing.T) {
	r, err := ParseRole(" worker ")
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, r)

	_, err = ParseRole("admin")
	assert.Error(t, err)

	loc := Location{Host: "127.0.0.1", Port: 7000}
	assert.Equal(t, "127.0.0.1:7000", loc.Addr())
	assert.Equal(t, "[::1]:80", Location{Host: "::1", Port: 80}.Addr())
}
