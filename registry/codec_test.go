package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/types"
)

func TestEncode_UsesCanonicalNames(t *testing.T) {
	data, err := Encode(sampleInstance("orders-1"))
	require.NoError(t, err)

	s := string(data)
	for _, field := range []string{`"service_name"`, `"instance_id"`, `"last_heartbeat"`, `"sticky_active_group"`, `"sticky_active_status"`} {
		require.Contains(t, s, field)
	}
	require.NotContains(t, s, `"serviceName"`)
}

func TestDecode_Spellings(t *testing.T) {
	want := sampleInstance("orders-1")

	tests := []struct {
		name string
		data string
	}{
		{
			name: "canonical",
			data: `{"service_name":"orders","instance_id":"orders-1","version":"1.4.2","status":"ACTIVE",
				"last_heartbeat":"2026-01-02T03:04:05.0000006Z","metadata":{"zone":"z1"},
				"sticky_active_group":"default","sticky_active_status":"ACTIVE"}`,
		},
		{
			name: "legacy",
			data: `{"serviceName":"orders","instanceId":"orders-1","version":"1.4.2","status":"ACTIVE",
				"lastHeartbeat":"2026-01-02T03:04:05.0000006Z","metadata":{"zone":"z1"},
				"stickyActiveGroup":"default","stickyActiveStatus":"ACTIVE"}`,
		},
		{
			name: "canonical wins over legacy",
			data: `{"service_name":"orders","serviceName":"stale","instance_id":"orders-1","instanceId":"old",
				"version":"1.4.2","status":"ACTIVE","last_heartbeat":"2026-01-02T03:04:05.0000006Z",
				"metadata":{"zone":"z1"},"sticky_active_group":"default","stickyActiveGroup":"other",
				"sticky_active_status":"ACTIVE"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			require.Equal(t, want.ServiceName, got.ServiceName)
			require.Equal(t, want.InstanceID, got.InstanceID)
			require.Equal(t, want.Version, got.Version)
			require.Equal(t, want.Status, got.Status)
			require.Equal(t, want.Metadata, got.Metadata)
			require.Equal(t, want.StickyActiveGroup, got.StickyActiveGroup)
			require.Equal(t, want.StickyActiveStatus, got.StickyActiveStatus)
			require.True(t, want.LastHeartbeat.Equal(got.LastHeartbeat))
		})
	}
}

func TestDecode_LegacyUnixHeartbeat(t *testing.T) {
	got, err := Decode([]byte(`{"serviceName":"orders","instanceId":"a","status":"STANDBY","lastHeartbeat":1767322800.5}`))
	require.NoError(t, err)
	require.True(t, time.Unix(1767322800, int64(500*time.Millisecond)).Equal(got.LastHeartbeat))
	require.Equal(t, types.StickyNone, got.StickyActiveStatus)
	require.Empty(t, got.StickyActiveGroup)
}

func TestDecode_Invalid(t *testing.T) {
	for name, data := range map[string]string{
		"not json":        `{`,
		"bad status":      `{"service_name":"orders","instance_id":"a","status":"RUNNING"}`,
		"missing service": `{"instance_id":"a","status":"ACTIVE"}`,
		"bad heartbeat":   `{"service_name":"orders","instance_id":"a","status":"ACTIVE","last_heartbeat":true}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(data))
			require.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := sampleInstance("orders-2")
	in.StickyActiveGroup = ""
	in.StickyActiveStatus = types.StickyNone
	in.Metadata = nil

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	require.True(t, in.LastHeartbeat.Equal(out.LastHeartbeat))
	out.LastHeartbeat = in.LastHeartbeat
	require.Equal(t, in, out)
}
