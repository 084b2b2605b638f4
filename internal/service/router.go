package service

import (
	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/entity"
)

// Queue lanes. Each gets its own worker pool and concurrency budget so a
// burst of membership churn cannot starve user-facing message replies.
const (
	QueueMessage    = "message"
	QueueFollow     = "follow"
	QueueMembership = "membership"
	QueueDefault    = "default"
)

func Queues() []string {
	return []string{QueueMessage, QueueFollow, QueueMembership, QueueDefault}
}

// Route is a queue assignment for one classified event.
type Route struct {
	Queue    string
	Priority int
	JobName  string
}

// RouteEvent maps an event kind to its queue and priority. The table is
// fixed: messages are time-sensitive (HIGH), relationship and membership
// churn is MEDIUM, anything unrecognized drains through the default queue
// at LOW.
func RouteEvent(kind entity.EventKind) Route {
	switch kind {
	case entity.KindMessage:
		return Route{Queue: QueueMessage, Priority: broker.PriorityHigh, JobName: "handle-message"}
	case entity.KindFollow:
		return Route{Queue: QueueFollow, Priority: broker.PriorityNormal, JobName: "handle-follow"}
	case entity.KindUnfollow:
		return Route{Queue: QueueFollow, Priority: broker.PriorityNormal, JobName: "handle-unfollow"}
	case entity.KindJoin:
		return Route{Queue: QueueMembership, Priority: broker.PriorityNormal, JobName: "handle-join"}
	case entity.KindLeave:
		return Route{Queue: QueueMembership, Priority: broker.PriorityNormal, JobName: "handle-leave"}
	case entity.KindPostback:
		return Route{Queue: QueueDefault, Priority: broker.PriorityLow, JobName: "handle-postback"}
	default:
		return Route{Queue: QueueDefault, Priority: broker.PriorityLow, JobName: "handle-event"}
	}
}
