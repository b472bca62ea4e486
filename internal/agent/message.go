package agent

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// ActionSkipWaiting is the only control action the agent understands.
const ActionSkipWaiting = "skipWaiting"

// Message is a control message posted by a page.
type Message struct {
	Action string `json:"action"`
}

// ParseMessage decodes a control message. Anything that is not a JSON object
// with a string "action" is reported as not ok.
func ParseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	return msg, msg.Action != ""
}

// ReceiveMessage handles a page message. Only {"action":"skipWaiting"} has an
// effect; every other payload is ignored so newer pages can talk to older
// agents.
func (a *Agent) ReceiveMessage(ctx context.Context, data []byte) {
	msg, ok := ParseMessage(data)
	if !ok || msg.Action != ActionSkipWaiting {
		a.logger.WithFields(logrus.Fields{
			"action":   "message",
			"cache_id": a.id.String(),
		}).Debug("message_ignored")
		return
	}

	host := a.boundHost()
	if host == nil {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"action":   "skip_waiting",
		"cache_id": a.id.String(),
		"state":    string(a.State()),
	}).Info("skip_waiting_requested")
	host.SkipWaiting(ctx)
}
