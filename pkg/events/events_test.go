package events

import (
	"testing"
	"time"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{ID: "e1", Type: "MINER_ONBOARDED"})

	assert.Equal(t, "e1", receive(t, s1).ID)
	ev := receive(t, s2)
	assert.Equal(t, "e1", ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestPublishAudit(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	detail := types.Attrs("action", "reveal-credential", "rule", "four_eyes")
	b.PublishAudit(&types.AuditEvent{
		ID:         "a1",
		TenantID:   "t1",
		EventType:  "POLICY_DENIED",
		ActorID:    "bob",
		TargetType: types.TargetMiner,
		TargetID:   "m1",
		Result:     types.AuditResultDenied,
		Detail:     detail,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	ev := receive(t, sub)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "miner/m1", ev.Target)
	assert.Equal(t, "four_eyes", ev.Metadata["rule"])
	assert.True(t, ev.IsAlert())
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{ID: "late"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Publish blocked after Stop")
	}
}
