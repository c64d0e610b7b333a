package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForUser returns a user-friendly error message.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}

	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString(fmt.Sprintf("\n[%s]", e.Kind))
	return sb.String()
}

// FormatForCLI formats an error for CLI/worker-host output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	e, ok := err.(*Error)
	if !ok {
		e = Wrap(KindInitFailed, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", e.Message))
	sb.WriteString(fmt.Sprintf("  Kind: %s\n", e.Kind))
	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error, suitable for the
// worker host's framed protocol.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	e, ok := err.(*Error)
	if !ok {
		e = Wrap(KindInitFailed, err)
	}

	je := jsonError{
		Kind:      string(e.Kind),
		Message:   e.Message,
		Details:   e.Details,
		Retryable: e.Retryable,
	}
	if e.Cause != nil {
		je.Cause = e.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog formats an error for structured logging via log/slog.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_kind": string(e.Kind),
		"message":    e.Message,
		"retryable":  e.Retryable,
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	for k, v := range e.Details {
		result["detail_"+k] = v
	}

	return result
}
