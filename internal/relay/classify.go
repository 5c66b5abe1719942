package relay

// Classification is the category an inbound message event falls into.
// Exactly one of the concrete types below is returned by Classify.
type Classification interface {
	classification()
}

// AdminReplyToKnown is an administrator reply to a forwarded message that
// is still present in the routing table.
type AdminReplyToKnown struct {
	Route Route
}

// AdminReplyToUnknown is an administrator reply to a message the routing
// table has no entry for, e.g. one forwarded before a restart.
type AdminReplyToUnknown struct {
	ReplyToID string
}

// AdminOther is any administrator message that is not a reply.
type AdminOther struct{}

// UserMessage is a message from anyone other than the administrator.
type UserMessage struct{}

func (AdminReplyToKnown) classification()   {}
func (AdminReplyToUnknown) classification() {}
func (AdminOther) classification()          {}
func (UserMessage) classification()         {}

// Classify decides how the engine should treat a message event. Commands
// and callbacks are expected to be routed away before this is called.
func Classify(ev Event, adminID string, routes *RoutingTable) Classification {
	if ev.UserID != adminID {
		return UserMessage{}
	}
	if ev.ReplyToID == "" {
		return AdminOther{}
	}
	if route, ok := routes.Lookup(ev.ReplyToID); ok {
		return AdminReplyToKnown{Route: route}
	}
	return AdminReplyToUnknown{ReplyToID: ev.ReplyToID}
}
