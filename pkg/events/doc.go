/*
Package events provides an in-memory broker for fleet graph changes.

Lifecycle, connection and host components publish an Event after each
committed change; `cockpit serve` subscribes and logs them. Delivery is
best-effort: a slow subscriber misses events rather than stalling a
provisioning or reconciliation step.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

Event types:

  - server.created, server.updated, server.migrated
  - node.created, node.deleted
  - edge.created, edge.deleted
  - host.joined, host.down
  - status.changed (reconciler observed a node going up or down)

Metadata carries identifiers such as "uuid", "aet", "from", "to" and "host".
*/
package events
