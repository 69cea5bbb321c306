// Package protocol defines the JSON frame format spoken between the agent
// and the control plane, plus the HMAC envelope on sensitive frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound frame types.
const (
	TypeRegister               = "register"
	TypeHeartbeat              = "heartbeat"
	TypeTelemetry              = "telemetry"
	TypeEscalation             = "escalation"
	TypeBatchEscalation        = "batch_escalation"
	TypeActionResult           = "action_result"
	TypePlaybookResult         = "playbook_result"
	TypeDiagnosticResult       = "diagnostic_result"
	TypeReinvestigationRequest = "reinvestigation_request"
	TypeProactiveAction        = "proactive-action"
	TypeHardwareHealthReport   = "hardware-health-report"
	TypeUserPromptResponse     = "user-prompt-response"
)

// Inbound frame types.
const (
	TypeWelcome                 = "welcome"
	TypePong                    = "pong"
	TypeAck                     = "ack"
	TypeDecision                = "decision"
	TypeAdvisory                = "advisory"
	TypeTicketCreated           = "ticket_created"
	TypePlaybook                = "playbook"
	TypeExecutePlaybook         = "execute_playbook"
	TypeDiagnosticRequest       = "diagnostic_request"
	TypeDiagnosticComplete      = "diagnostic_complete"
	TypeAddToIgnoreList         = "add_to_ignore_list"
	TypeReinvestigationResponse = "reinvestigation_response"
	TypeForceDiagnostic         = "force-diagnostic"
	TypeConfigUpdate            = "config-update"
	TypeUpdateAvailable         = "update-available"
	TypeSessionExpired          = "session_expired"
	TypeAuthFailed              = "auth_failed"
	TypeBillingExpired          = "billing_expired"
	TypeServiceAlert            = "service-alert"
	TypeServiceAlertResolved    = "service-alert-resolved"
	TypeUserPrompt              = "user-prompt"
	TypeExecutePendingAction    = "execute_pending_action"
	TypeCancelPendingAction     = "cancel_pending_action"
	TypeMaintenanceWindow       = "maintenance_window"
	TypeCancelMaintenanceWindow = "cancel_maintenance_window"
	TypeKeyRotation             = "key_rotation"
)

// envelope keys that are never part of a frame's payload.
var envelopeKeys = map[string]bool{
	"type":       true,
	"timestamp":  true,
	"device_id":  true,
	"_signature": true,
	"_nonce":     true,
}

// Frame is one wire message. Payload fields may live under "data" or be
// flattened next to the envelope keys; Data resolves both shapes.
type Frame map[string]any

// New builds an outbound frame with the payload nested under "data".
func New(msgType, deviceID string, data map[string]any) Frame {
	f := Frame{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if deviceID != "" {
		f["device_id"] = deviceID
	}
	if data != nil {
		f["data"] = data
	}
	return f
}

// Decode parses a raw wire message. A frame without a type string is
// rejected here so dispatchers never see it.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type() == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// Encode serialises the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	return b, nil
}

// Type returns the frame type, or "" when absent.
func (f Frame) Type() string {
	return Str(f, "type")
}

// DeviceID returns the envelope device id, or "".
func (f Frame) DeviceID() string {
	return Str(f, "device_id")
}

// Data returns the frame payload. When a "data" object is present it wins;
// otherwise the payload is the frame itself minus the envelope keys. Both
// shapes arrive from the server for decision and pending-action traffic.
func (f Frame) Data() map[string]any {
	if d, ok := f["data"].(map[string]any); ok {
		return d
	}
	flat := make(map[string]any, len(f))
	for k, v := range f {
		if envelopeKeys[k] {
			continue
		}
		flat[k] = v
	}
	return flat
}
