package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func TestChannelNameSanitization(t *testing.T) {
	cases := map[string]string{
		"fleet":         "htm_wm_fleet",
		"Fleet-7 Alpha": "htm_wm_fleet_7_alpha",
		"warehouse.2":   "htm_wm_warehouse_2",
		"already_ok_9":  "htm_wm_already_ok_9",
		"日本-bots":       "htm_wm___bots",
	}
	for in, want := range cases {
		require.Equal(t, want, ChannelName(in), "group %q", in)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	body, err := encodePayload(EventAdded, 42, 7, now)
	require.NoError(t, err)
	require.Contains(t, string(body), `"node_id":42`)
	require.Contains(t, string(body), `"timestamp":"2026-08-25T12:00:00Z"`)

	event, nodeID, robotID, err := decodePayload(body)
	require.NoError(t, err)
	require.Equal(t, EventAdded, event)
	require.Equal(t, core.NodeID(42), nodeID)
	require.Equal(t, core.RobotID(7), robotID)
}

func TestPayloadClearedHasNullNodeID(t *testing.T) {
	body, err := encodePayload(EventCleared, 42, 7, time.Now())
	require.NoError(t, err)
	require.Contains(t, string(body), `"node_id":null`)

	event, nodeID, _, err := decodePayload(body)
	require.NoError(t, err)
	require.Equal(t, EventCleared, event)
	require.Zero(t, nodeID)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, _, _, err := decodePayload([]byte("not json"))
	require.True(t, core.IsKind(err, core.KindValidation))

	_, _, _, err = decodePayload([]byte(`{"event":"rebooted","robot_id":1}`))
	require.True(t, core.IsKind(err, core.KindValidation))
}
