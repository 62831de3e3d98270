package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQueueStatusTransitions(t *testing.T) {
	allowed := map[QueueStatus][]QueueStatus{
		QueuePending: {QueueSending, QueueCancelled},
		QueueSending: {QueueSent, QueueFailed},
	}

	for _, from := range AllQueueStatuses {
		for _, to := range AllQueueStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range AllQueueStatuses {
		if !s.Terminal() {
			continue
		}
		for _, to := range AllQueueStatuses {
			assert.False(t, s.CanTransition(to), "%s -> %s", s, to)
		}
	}
	assert.False(t, QueueStatus("bogus").Valid())
}

func TestEngagementAdvance(t *testing.T) {
	tests := []struct {
		from, next, want EngagementStatus
	}{
		{EngagementSent, EngagementDelivered, EngagementDelivered},
		{EngagementDelivered, EngagementOpened, EngagementOpened},
		{EngagementOpened, EngagementDelivered, EngagementOpened},
		{EngagementClicked, EngagementOpened, EngagementClicked},
		{EngagementClicked, EngagementBounced, EngagementBounced},
		{EngagementBounced, EngagementClicked, EngagementBounced},
		{EngagementOpened, EngagementStatus("weird"), EngagementOpened},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.Advance(tt.next), "%s + %s", tt.from, tt.next)
	}
}

// Applying any sequence of events in any order ends in the same status: the
// bounce if one was seen, otherwise the highest-ranked event.
func TestEngagementAdvanceOrderIndependent(t *testing.T) {
	statuses := []EngagementStatus{EngagementDelivered, EngagementOpened, EngagementClicked, EngagementBounced}

	rapid.Check(t, func(rt *rapid.T) {
		events := rapid.SliceOf(rapid.SampledFrom(statuses)).Draw(rt, "events")

		forward := EngagementSent
		for _, e := range events {
			forward = forward.Advance(e)
		}
		backward := EngagementSent
		for i := len(events) - 1; i >= 0; i-- {
			backward = backward.Advance(events[i])
		}
		require.Equal(rt, forward, backward)
	})
}

func TestParseEventKind(t *testing.T) {
	assert.Equal(t, EventOpened, ParseEventKind("open"))
	assert.Equal(t, EventClicked, ParseEventKind("Clicked"))
	assert.Equal(t, EventBounced, ParseEventKind("bounce"))
	assert.Equal(t, EventUnsubscribe, ParseEventKind("spamreport"))
	assert.Equal(t, EventUnknown, ParseEventKind("processed"))
}

func TestEngagementEventMessageID(t *testing.T) {
	e := EngagementEvent{SGMessageID: "abc123.filterdrecv-1.0"}
	assert.Equal(t, "abc123", e.MessageID())

	e.ProviderMessageIDAlt = "camel"
	assert.Equal(t, "camel", e.MessageID())

	e.ProviderMessageID = "explicit"
	assert.Equal(t, "explicit", e.MessageID())
}

func TestEngagementEventDecodesBothKeyStyles(t *testing.T) {
	var events []EngagementEvent
	require.NoError(t, json.Unmarshal([]byte(`[
		{"event":"opened","providerMessageId":"pm-1"},
		{"event":"clicked","provider_message_id":"pm-2"}
	]`), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "pm-1", events[0].MessageID())
	assert.Equal(t, "pm-2", events[1].MessageID())
}
