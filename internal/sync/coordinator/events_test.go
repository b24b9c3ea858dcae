package coordinator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_marshalKeepsTypeFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "offline network change",
			event: Event{Type: EventNetworkChanged, At: at},
			want:  `{"type":"network-changed","online":false,"stable":false,"at":"2026-03-01T09:00:00Z"}`,
		},
		{
			name:  "online but unstable",
			event: Event{Type: EventNetworkChanged, Online: true, At: at},
			want:  `{"type":"network-changed","online":true,"stable":false,"at":"2026-03-01T09:00:00Z"}`,
		},
		{
			name:  "queue drained",
			event: Event{Type: EventPendingChanged, At: at},
			want:  `{"type":"pending-changed","pendingCount":0,"at":"2026-03-01T09:00:00Z"}`,
		},
		{
			name:  "sync start carries no network fields",
			event: Event{Type: EventSyncStart, At: at},
			want:  `{"type":"sync-start","at":"2026-03-01T09:00:00Z"}`,
		},
		{
			name:  "sync error",
			event: Event{Type: EventSyncError, Error: "disk gone", At: at},
			want:  `{"type":"sync-error","error":"disk gone","at":"2026-03-01T09:00:00Z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEvent_marshalThroughPointer(t *testing.T) {
	e := &Event{Type: EventNetworkChanged}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"online":false`)
}
