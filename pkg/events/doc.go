/*
Package events provides an in-memory broker for live security events.

Every audit event appended by pkg/audit can be forwarded to a Broker, which
fans it out to subscribers over buffered channels. The audit chain stays the
durable record; the broker only serves live consumers such as the alert
logger in "minerguard serve".

# Delivery

	audit.Logger.Log ──► Broker.PublishAudit ──► eventCh (100) ──► run()
	                                                               │
	                                          ┌────────────────────┼──────────┐
	                                          ▼                    ▼          ▼
	                                     Subscriber (50)     Subscriber   Subscriber

Publish never blocks the caller. An event is dropped when the broker queue
is full, when a subscriber's buffer is full, or after Stop.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr, err := manager.NewManager(&manager.Config{DataDir: dir, Events: broker})

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		if ev.IsAlert() {
			log.Logger.Warn().Str("event", ev.Type).Msg("Security alert")
		}
	}
*/
package events
