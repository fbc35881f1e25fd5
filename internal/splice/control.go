package splice

import (
	"encoding/json"
	"time"
)

// controlMessage is the JSON shape recognised from the client.
type controlMessage struct {
	Type string `json:"type"`
}

// controlReply is what the gateway sends back for a ping.
type controlReply struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// controlOutcome tells the caller whether a text frame was recognized as
// a control message (and therefore must not be forwarded to TCP) or
// should fall back to being treated as binary passthrough.
type controlOutcome int

const (
	controlNotRecognized controlOutcome = iota // not JSON at all: legacy binary fallback
	controlHandled                             // recognized and fully handled here
)

// classifyText attempts to parse payload as a control message. If it
// parses, the message is always "handled" here (ping answered, others
// logged/ignored) and must never reach TCP. If it fails to parse, the
// caller falls back to binary passthrough, gated by
// allowLegacyTextFallback — see Splice.classifyAndRoute.
func classifyText(payload []byte) (controlMessage, controlOutcome, error) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return controlMessage{}, controlNotRecognized, err
	}
	return msg, controlHandled, nil
}

func pongReply() ([]byte, error) {
	return json.Marshal(controlReply{Type: "pong", Timestamp: time.Now().UnixMilli()})
}
