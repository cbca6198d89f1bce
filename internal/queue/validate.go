package queue

import (
	"encoding/json"
	"fmt"

	"github.com/cheez95/driversync/internal/model"
)

// payloadShape declares the fields an action type's payload must and may
// carry. Malformed payloads are rejected at enqueue time and never queued.
type payloadShape struct {
	required []string
	optional []string
	// allowEmpty permits a nil/empty payload.
	allowEmpty bool
}

var payloadShapes = map[model.ActionType]payloadShape{
	model.ActionArrive:   {allowEmpty: true, optional: []string{"arrived_at"}},
	model.ActionComplete: {allowEmpty: true, optional: []string{"signature", "photo_ref", "amount_collected"}},
	model.ActionSkip:     {required: []string{"reason"}},
	model.ActionFail:     {required: []string{"reason"}, optional: []string{"retry_requested"}},
	model.ActionNote:     {required: []string{"text"}},
}

// validatePayload checks the payload against the expected shape for the
// action type.
func validatePayload(actionType model.ActionType, payload json.RawMessage) error {
	shape, ok := payloadShapes[actionType]
	if !ok {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, actionType)
	}

	if len(payload) == 0 {
		if shape.allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, actionType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: not a JSON object: %v", ErrInvalidPayload, err)
	}

	for _, name := range shape.required {
		raw, ok := fields[name]
		if !ok {
			return fmt.Errorf("%w: %s payload missing %q", ErrInvalidPayload, actionType, name)
		}
		// Required string fields must be non-empty.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s == "" {
			return fmt.Errorf("%w: %s payload field %q is empty", ErrInvalidPayload, actionType, name)
		}
	}

	allowed := make(map[string]bool, len(shape.required)+len(shape.optional))
	for _, name := range shape.required {
		allowed[name] = true
	}
	for _, name := range shape.optional {
		allowed[name] = true
	}
	for name := range fields {
		if !allowed[name] {
			return fmt.Errorf("%w: %s payload has unexpected field %q", ErrInvalidPayload, actionType, name)
		}
	}
	return nil
}
