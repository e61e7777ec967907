package router

import (
	"strconv"
	"strings"

	"github.com/relaybothq/relaybot/internal/notify"
)

// Action is the typed tag an inbound command or callback resolves to once,
// at classification time.
type Action int

const (
	ActionUnknown Action = iota
	ActionStart
	ActionDashboard
	ActionMessages
	ActionBroadcast
	ActionStats
	ActionAdmins
	ActionAddAdmin
	ActionRemoveAdmin
	ActionCancel
	ActionReply
	ActionBan
	ActionDismiss
)

// Invocation is a parsed callback: the action plus its numeric argument
// (message id for reply/dismiss, user id for ban).
type Invocation struct {
	Action Action
	Arg    int64
}

func parseCommand(name string) Action {
	switch strings.ToLower(name) {
	case "start":
		return ActionStart
	case "dashboard":
		return ActionDashboard
	case "messages":
		return ActionMessages
	case "broadcast":
		return ActionBroadcast
	case "stats":
		return ActionStats
	case "admins":
		return ActionAdmins
	case "addadmin":
		return ActionAddAdmin
	case "removeadmin":
		return ActionRemoveAdmin
	case "cancel":
		return ActionCancel
	default:
		return ActionUnknown
	}
}

// parseCallback turns "reply:55" style callback data into a typed
// invocation. Unmatched patterns yield ActionUnknown, which routes to the
// default "not recognized" response rather than being dropped.
func parseCallback(data string) Invocation {
	prefix, rawArg, ok := strings.Cut(strings.TrimSpace(data), ":")
	if !ok {
		return Invocation{Action: ActionUnknown}
	}
	arg, err := strconv.ParseInt(rawArg, 10, 64)
	if err != nil {
		return Invocation{Action: ActionUnknown}
	}
	switch prefix {
	case notify.ActionReply:
		return Invocation{Action: ActionReply, Arg: arg}
	case notify.ActionBan:
		return Invocation{Action: ActionBan, Arg: arg}
	case notify.ActionDismiss:
		return Invocation{Action: ActionDismiss, Arg: arg}
	default:
		return Invocation{Action: ActionUnknown}
	}
}
