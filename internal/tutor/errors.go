package tutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrEmptyAnswer is returned when the tutor replies with neither text nor questions.
	ErrEmptyAnswer = errors.New("tutor returned an empty answer")
	// ErrNoChoices is returned when the LLM returns no completion choices.
	ErrNoChoices = errors.New("LLM returned no choices")
)

// APIError is a non-2xx reply from the tutor service. Its Error is the
// human-readable message only.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("tutor service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// parseAPIError extracts a message from the error bodies the backend
// produces: {"error": ...}, {"detail": "..."}, {"detail": {"error": ...}}
// and validation lists {"detail": [{"msg": ...}]}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var payload struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 200 || strings.HasPrefix(apiErr.Message, "<") {
			apiErr.Message = ""
		}
		return apiErr
	}
	if payload.Error != "" {
		apiErr.Message = payload.Error
		return apiErr
	}
	if len(payload.Detail) == 0 {
		return apiErr
	}

	var detailText string
	if json.Unmarshal(payload.Detail, &detailText) == nil {
		apiErr.Message = detailText
		return apiErr
	}
	var detailObj struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload.Detail, &detailObj) == nil && detailObj.Error != "" {
		apiErr.Message = detailObj.Error
		return apiErr
	}
	var detailList []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(payload.Detail, &detailList) == nil {
		var msgs []string
		for _, d := range detailList {
			if d.Msg != "" {
				msgs = append(msgs, d.Msg)
			}
		}
		apiErr.Message = strings.Join(msgs, "; ")
	}
	return apiErr
}
