package errors

import (
	"fmt"
	"strings"
	"time"
)

// Payload is the user-visible representation of a failure.
// The HTTP layer maps it onto a status code; the core only fixes the shape.
type Payload struct {
	Error PayloadBody `json:"error"`
}

// PayloadBody carries the structured failure fields.
type PayloadBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp string            `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
}

// BuildPayload converts any error into the wire payload.
// Non-taxonomy errors are reported under the internal catch-all code.
func BuildPayload(err error, requestID string) Payload {
	body := PayloadBody{
		Code:      Kind("").Code(),
		Message:   "",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
	if err == nil {
		return Payload{Error: body}
	}
	body.Message = err.Error()

	var e *Error
	cur := err
	for cur != nil {
		if te, ok := cur.(*Error); ok {
			e = te
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e != nil {
		body.Code = e.Kind.Code()
		body.Message = e.Message
		body.Details = e.Details
	}
	return Payload{Error: body}
}

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		return fmt.Sprintf("Error: %s", err.Error())
	}

	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.Message)

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		// Stable order keeps CLI output diffable.
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				if keys[j] < keys[i] {
					keys[i], keys[j] = keys[j], keys[i]
				}
			}
		}
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n  %s: %s", k, e.Details[k]))
		}
	}

	sb.WriteString(fmt.Sprintf(" [%s]", e.Kind.Code()))
	return sb.String()
}
