package mqtt

import (
	"log"
	"strconv"
	"strings"

	"slowmo-gateway/internal/metrics"
	"slowmo-gateway/internal/policy"
)

// KnobHandler implements Handler by parsing delay knob payloads and applying
// them to the shared Knob. Payloads carry a decimal millisecond count, the
// same convention the control HTTP API uses, so one publisher script drives
// both surfaces. The literal payload "default" restores the built-in delay.
type KnobHandler struct {
	Knob *policy.Knob
}

// OnMessage parses the raw MQTT payload and updates the knob. Invalid
// payloads are counted as rejected updates and leave the current delay
// untouched; a garbled message must never stall or unstick the gateway.
func (handler *KnobHandler) OnMessage(topic string, payload []byte) {
	metrics.RecordMQTTMessage()

	// Retained status messages on ".../status" subtopics are metadata, not
	// knob updates.
	if isStatusTopic(topic) {
		return
	}

	if handler.Knob == nil {
		log.Printf("mqtt: knob update on %s dropped, no knob attached", topic)
		return
	}

	text := strings.TrimSpace(string(payload))
	if text == "" {
		metrics.RecordKnobRejected("empty")
		log.Printf("mqtt: empty knob payload on %s", topic)
		return
	}

	if strings.EqualFold(text, "default") {
		handler.Knob.Set(policy.DefaultDelay)
		metrics.RecordKnobUpdate("mqtt")
		metrics.SetKnobDelayMillis(handler.Knob.Millis())
		log.Printf("mqtt: delay reset to default (%dms)", handler.Knob.Millis())
		return
	}

	ms, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		metrics.RecordKnobRejected("parse_error")
		log.Printf("mqtt: unparseable knob payload on %s: %v", topic, err)
		return
	}
	if ms < 0 {
		metrics.RecordKnobRejected("negative")
		log.Printf("mqtt: negative knob payload on %s: %d", topic, ms)
		return
	}

	handler.Knob.SetMillis(ms)
	metrics.RecordKnobUpdate("mqtt")
	metrics.SetKnobDelayMillis(ms)
	log.Printf("mqtt: delay set to %dms via %s", ms, topic)
}

// isStatusTopic reports whether the topic carries non-knob metadata.
func isStatusTopic(topic string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(topic)), "/status")
}
