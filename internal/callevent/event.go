// Package callevent decodes call-ending webhook deliveries and client poll
// requests, and encodes the profile payload returned to polling clients.
package callevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed payload")

const (
	ActionGetProfile = "get_profile"
	ActionRegister   = "register"

	DefaultResultField     = "eq_analysis"
	DefaultSessionVariable = "session_id"

	conversationIDVariable = "system__conversation_id"
)

// Options name the fields that carry the result and the client session key.
type Options struct {
	ResultField     string
	SessionVariable string
}

func (o Options) withDefaults() Options {
	if o.ResultField == "" {
		o.ResultField = DefaultResultField
	}
	if o.SessionVariable == "" {
		o.SessionVariable = DefaultSessionVariable
	}
	return o
}

// Delivery is the part of a call-ending event the relay cares about.
type Delivery struct {
	EventType      string
	ProfileType    string
	ConversationID string
	SessionKey     string
}

// PollRequest is sent by the polling page.
type PollRequest struct {
	Action         string `json:"action"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type dataCollectionResult struct {
	Value json.RawMessage `json:"value"`
}

// envelopeData is the platform's post-call shape, where the analysis and the
// client's dynamic variables are nested under "data".
type envelopeData struct {
	ConversationID string `json:"conversation_id"`
	Analysis       struct {
		DataCollectionResults map[string]dataCollectionResult `json:"data_collection_results"`
	} `json:"analysis"`
	ClientData struct {
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"conversation_initiation_client_data"`
}

type wirePayload struct {
	Type                  string                          `json:"type"`
	SessionID             string                          `json:"session_id"`
	ConversationID        string                          `json:"conversation_id"`
	DataCollectionResults map[string]dataCollectionResult `json:"data_collection_results"`
	DynamicVariables      map[string]any                  `json:"dynamic_variables"`
	Data                  *envelopeData                   `json:"data"`
}

// Action peeks at the "action" field. Deliveries have none.
func Action(body []byte) (string, error) {
	var peek struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return "", fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	return strings.TrimSpace(peek.Action), nil
}

// DecodePoll parses a poll or register request.
func DecodePoll(body []byte) (PollRequest, error) {
	var req PollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return PollRequest{}, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	req.Action = strings.TrimSpace(req.Action)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.SessionID == "" && req.ConversationID == "" {
		return PollRequest{}, fmt.Errorf("%w: session_id is required", ErrMalformed)
	}
	return req, nil
}

// DecodeDelivery accepts both the flat shape and the enveloped post-call shape.
func DecodeDelivery(body []byte, opts Options) (Delivery, error) {
	opts = opts.withDefaults()

	var p wirePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Delivery{}, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}

	results := p.DataCollectionResults
	vars := p.DynamicVariables
	conversationID := p.ConversationID
	if p.Data != nil {
		if results == nil {
			results = p.Data.Analysis.DataCollectionResults
		}
		if vars == nil {
			vars = p.Data.ClientData.DynamicVariables
		}
		if conversationID == "" {
			conversationID = p.Data.ConversationID
		}
	}

	result, ok := results[opts.ResultField]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: data_collection_results.%s missing", ErrMalformed, opts.ResultField)
	}
	profileType, err := ParseProfileValue(result.Value)
	if err != nil {
		return Delivery{}, err
	}

	if v := stringVar(vars, conversationIDVariable); v != "" {
		conversationID = v
	}
	sessionKey := stringVar(vars, opts.SessionVariable)
	if sessionKey == "" {
		sessionKey = strings.TrimSpace(p.SessionID)
	}

	return Delivery{
		EventType:      p.Type,
		ProfileType:    profileType,
		ConversationID: strings.TrimSpace(conversationID),
		SessionKey:     sessionKey,
	}, nil
}

// ParseProfileValue extracts profile_type from a data-collection value. The
// value may be an object, a JSON string holding an object (strict or
// single-quoted), or a bare string naming the profile.
func ParseProfileValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: value missing", ErrMalformed)
	}

	switch raw[0] {
	case '{':
		return profileFromObject(raw)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: value: %v", ErrMalformed, err)
		}
		return profileFromString(s)
	}
	return "", fmt.Errorf("%w: value must be a string or object", ErrMalformed)
}

func profileFromString(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: value is empty", ErrMalformed)
	}
	if !strings.HasPrefix(s, "{") {
		return profileName(s)
	}
	if json.Valid([]byte(s)) {
		return profileFromObject([]byte(s))
	}
	normalized := NormalizeJSON(s)
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: value is not valid json", ErrMalformed)
	}
	return profileFromObject([]byte(normalized))
}

// profileNamePattern is what a bare-string value must look like to be taken as
// the profile type itself.
var profileNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

func profileName(s string) (string, error) {
	if !profileNamePattern.MatchString(s) {
		return "", fmt.Errorf("%w: value is neither an object nor a profile name", ErrMalformed)
	}
	switch strings.ToLower(s) {
	case "null", "none", "true", "false", "undefined", "nan":
		return "", fmt.Errorf("%w: value is a literal, not a profile name", ErrMalformed)
	}
	return s, nil
}

func profileFromObject(raw []byte) (string, error) {
	var obj struct {
		ProfileType *string `json:"profile_type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: value: %v", ErrMalformed, err)
	}
	if obj.ProfileType == nil || strings.TrimSpace(*obj.ProfileType) == "" {
		return "", fmt.Errorf("%w: profile_type missing", ErrMalformed)
	}
	return strings.TrimSpace(*obj.ProfileType), nil
}

func stringVar(vars map[string]any, name string) string {
	v, ok := vars[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// FoundResponse is the 200 body for a resolved poll. The profile is
// JSON-encoded inside "value", matching the webhook's own field shape.
type FoundResponse struct {
	Status                string                 `json:"status"`
	DataCollectionResults map[string]ResultValue `json:"data_collection_results"`
}

type ResultValue struct {
	Value string `json:"value"`
}

func NewFoundResponse(resultField, profileType string) (FoundResponse, error) {
	if resultField == "" {
		resultField = DefaultResultField
	}
	value, err := json.Marshal(struct {
		ProfileType string `json:"profile_type"`
	}{ProfileType: profileType})
	if err != nil {
		return FoundResponse{}, fmt.Errorf("marshal profile: %w", err)
	}
	results := map[string]ResultValue{resultField: {Value: string(value)}}
	return FoundResponse{Status: "found", DataCollectionResults: results}, nil
}
