package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"host-capable", RoleHostCapable, false},
		{"participant", RoleParticipant, false},
		{"spectator", RoleSpectator, false},
		{"", RoleParticipant, false},
		{"referee", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRosterFrom(t *testing.T) {
	raw := `{"type":"room-roster","requestId":"r1","roomId":"ABC234","hostId":"x",
		"members":[{"id":"x","name":"Scorer","role":"host-capable"},{"id":"y"}]}`

	var msg SignalMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	roster := RosterFrom(msg)
	assert.Equal(t, "ABC234", roster.RoomID)
	assert.Equal(t, "x", roster.HostID)
	require.Len(t, roster.Members, 2)
	assert.Equal(t, RoleHostCapable, roster.Members[0].Role)
	assert.Equal(t, "y", roster.Members[1].ID)
}

func TestNewRoomCode(t *testing.T) {
	code := NewRoomCode()
	assert.Len(t, code, RoomCodeLength)
	for _, ch := range code {
		assert.Contains(t, RoomCodeAlphabet, string(ch))
	}
}
