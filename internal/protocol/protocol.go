// Package protocol defines the JSON frames exchanged with devices and
// frontends over the hub's WebSocket endpoint. Every frame is an object with
// a "type" discriminator; the set of kinds is closed.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the value of a frame's "type" field.
type Kind string

const (
	KindRegister                   Kind = "register"
	KindHeartbeat                  Kind = "heartbeat"
	KindSyncRequest                Kind = "sync_request"
	KindSyncResult                 Kind = "sync_result"
	KindConfirmFeedingPlan         Kind = "confirm_feeding_plan"
	KindConfirmManualFeeding       Kind = "confirm_manual_feeding"
	KindManualFeeding              Kind = "manual_feeding"
	KindFeedingRecord              Kind = "feeding_record"
	KindConfirmDeleteFeedingPlan   Kind = "confirm_delete_feeding_plan"
	KindConfirmDeleteManualFeeding Kind = "confirm_delete_manual_feeding"
	KindGrainWeight                Kind = "grain_weight"
	KindVersionCheck               Kind = "version_check"
	KindOTAStatus                  Kind = "ota_status"
	KindRollbackRequest            Kind = "rollback_request"

	KindRegisterAck         Kind = "register_ack"
	KindAck                 Kind = "ack"
	KindAddFeedingPlan      Kind = "add_feeding_plan"
	KindUpdateFeedingPlan   Kind = "update_feeding_plan"
	KindDeleteFeedingPlan   Kind = "delete_feeding_plan"
	KindAddManualFeeding    Kind = "add_manual_feeding"
	KindDeleteManualFeeding Kind = "delete_manual_feeding"
	KindSyncComplete        Kind = "sync_complete"
	KindSyncFailed          Kind = "sync_failed"
	KindVersionCheckResult  Kind = "version_check_result"
	KindOTAUpdate           Kind = "ota_update"
	KindRollbackResult      Kind = "rollback_result"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// whose body does not fit the declared kind.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownKind is returned for frames with an unrecognised type.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Message is implemented by every frame struct in this package and nowhere
// else.
type Message interface {
	Kind() Kind
	sealed()
}

type envelope struct {
	Type Kind `json:"type"`
}

// factories maps each kind to a constructor for its frame struct.
var factories = map[Kind]func() Message{
	KindRegister:                   func() Message { return &Register{} },
	KindHeartbeat:                  func() Message { return &Heartbeat{} },
	KindSyncRequest:                func() Message { return &SyncRequest{} },
	KindSyncResult:                 func() Message { return &SyncResult{} },
	KindConfirmFeedingPlan:         func() Message { return &ConfirmFeedingPlan{} },
	KindConfirmManualFeeding:       func() Message { return &ConfirmManualFeeding{} },
	KindManualFeeding:              func() Message { return &ManualFeedingReport{} },
	KindFeedingRecord:              func() Message { return &FeedingRecordReport{} },
	KindConfirmDeleteFeedingPlan:   func() Message { return &ConfirmDeleteFeedingPlan{} },
	KindConfirmDeleteManualFeeding: func() Message { return &ConfirmDeleteManualFeeding{} },
	KindGrainWeight:                func() Message { return &GrainWeight{} },
	KindVersionCheck:               func() Message { return &VersionCheck{} },
	KindOTAStatus:                  func() Message { return &OTAStatus{} },
	KindRollbackRequest:            func() Message { return &RollbackRequest{} },
	KindRegisterAck:                func() Message { return &RegisterAck{} },
	KindAck:                        func() Message { return &Ack{} },
	KindAddFeedingPlan:             func() Message { return &AddFeedingPlan{} },
	KindUpdateFeedingPlan:          func() Message { return &UpdateFeedingPlan{} },
	KindDeleteFeedingPlan:          func() Message { return &DeleteFeedingPlan{} },
	KindAddManualFeeding:           func() Message { return &AddManualFeeding{} },
	KindDeleteManualFeeding:        func() Message { return &DeleteManualFeeding{} },
	KindSyncComplete:               func() Message { return &SyncComplete{} },
	KindSyncFailed:                 func() Message { return &SyncFailed{} },
	KindVersionCheckResult:         func() Message { return &VersionCheckResult{} },
	KindOTAUpdate:                  func() Message { return &OTAUpdate{} },
	KindRollbackResult:             func() Message { return &RollbackResult{} },
}

// Decode parses one frame. The error wraps ErrMalformed or ErrUnknownKind.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	newMsg, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Encode renders a frame with its "type" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	kind, _ := json.Marshal(m.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}
