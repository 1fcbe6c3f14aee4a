// Package notifier creates notifications and delivers them.
//
// Create persists a notification as WAITING_TO_SEND and publishes it to the
// durable queue. The queue consumer hands every message to HandleDelivery,
// which pushes the payload to the recipient's live sessions through the
// gateway and marks the notification SENT. A recipient without a live session
// makes the handler fail, so the message goes through the queue's retry stage
// until a session shows up or the notification expires.
//
// # Lifecycle
//
//	WAITING_TO_SEND -> SENT -> READ -> REPLIED
//	      \______________\______\____-> EXPIRED
//
// READ is set by the recipient's client (notification_read). The periodic
// maintenance run expires READ notifications past their reply deadline and
// purges notifications past their retention.
package notifier
