package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tubebridge/internal/videoid"
)

// transferRequest is the normalized argument set shared by every route.
type transferRequest struct {
	VideoID     string
	URL         string
	AccessToken string
	Title       string
	Description string
}

// requestField lists the accepted spellings of one argument. The first
// spelling is the canonical camelCase form.
type requestField struct {
	names []string
	dest  func(*transferRequest) *string
}

var requestFields = []requestField{
	{names: []string{"videoId", "video_id"}, dest: func(t *transferRequest) *string { return &t.VideoID }},
	{names: []string{"url"}, dest: func(t *transferRequest) *string { return &t.URL }},
	{names: []string{"accessToken", "access_token"}, dest: func(t *transferRequest) *string { return &t.AccessToken }},
	{names: []string{"title"}, dest: func(t *transferRequest) *string { return &t.Title }},
	{names: []string{"description"}, dest: func(t *transferRequest) *string { return &t.Description }},
}

// validationError marks input problems answered with 400.
type validationError struct {
	message string
}

func (e validationError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) error {
	return validationError{message: fmt.Sprintf(format, args...)}
}

var errMissingReference = validationError{message: "videoId or url parameter is required"}

// normalizeRequest merges query-string arguments with JSON body fields. Body
// values take precedence over query values; blank values never override.
func normalizeRequest(r *http.Request) (transferRequest, error) {
	var req transferRequest
	query := r.URL.Query()
	for _, field := range requestFields {
		for _, name := range field.names {
			if value := strings.TrimSpace(query.Get(name)); value != "" {
				*field.dest(&req) = value
				break
			}
		}
	}

	if !isJSONRequest(r) {
		return req, nil
	}
	body, err := decodeJSONObject(r)
	if err != nil {
		return req, validationError{message: err.Error()}
	}
	for _, field := range requestFields {
		for _, name := range field.names {
			raw, ok := body[name]
			if !ok {
				continue
			}
			value, err := stringField(name, raw)
			if err != nil {
				return req, err
			}
			if value != "" {
				*field.dest(&req) = value
				break
			}
		}
	}
	return req, nil
}

func stringField(name string, raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", badRequest("%s must be a string", name)
	}
	return strings.TrimSpace(value), nil
}

// resolveVideoID derives the canonical identifier or reports a validation
// error.
func (t transferRequest) resolveVideoID() (string, error) {
	id, err := videoid.FromReference(t.VideoID, t.URL)
	if err != nil {
		if errors.Is(err, videoid.ErrNoIdentifier) {
			return "", errMissingReference
		}
		return "", err
	}
	return id, nil
}
