package twin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const versionKey = "$version"

// ParseDesiredPatch decodes a desired-properties patch into properties,
// ordered by key. Metadata keys ("$version", "$metadata") are not returned.
func ParseDesiredPatch(payload []byte) ([]Property, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: desired patch: %w", ErrInvalidPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: desired patch is not an object", ErrInvalidPayload)
	}
	return propertiesFrom(doc, false)
}

// ParseTwinDocument decodes the full twin returned by a GET request and
// returns its desired properties.
func ParseTwinDocument(payload []byte) ([]Property, error) {
	var twin struct {
		Desired map[string]json.RawMessage `json:"desired"`
	}
	if err := json.Unmarshal(payload, &twin); err != nil {
		return nil, fmt.Errorf("%w: twin document: %w", ErrInvalidPayload, err)
	}
	if twin.Desired == nil {
		return nil, nil
	}
	return propertiesFrom(twin.Desired, true)
}

func propertiesFrom(doc map[string]json.RawMessage, fromTwin bool) ([]Property, error) {
	version := 0
	if raw, ok := doc[versionKey]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, versionKey, err)
		}
	}

	keys := make([]string, 0, len(doc))
	for key := range doc {
		if strings.HasPrefix(key, "$") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	props := make([]Property, 0, len(keys))
	for _, key := range keys {
		props = append(props, Property{
			Key:      key,
			Value:    unwrapValue(doc[key]),
			Version:  version,
			FromTwin: fromTwin,
		})
	}
	return props, nil
}

// unwrapValue returns v for {"value": v} and raw otherwise.
func unwrapValue(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return raw
	}
	if v, ok := wrapped["value"]; ok {
		return v
	}
	return raw
}

type ackBody struct {
	Value          json.RawMessage `json:"value"`
	StatusCode     int             `json:"statusCode"`
	Status         string          `json:"status"`
	DesiredVersion int             `json:"desiredVersion"`
}

// EncodeAck renders an acknowledgement as a reported-properties patch.
func EncodeAck(ack Ack) ([]byte, error) {
	value := ack.Value
	if len(value) == 0 || !json.Valid(value) {
		value = json.RawMessage("null")
	}
	return json.Marshal(map[string]ackBody{
		ack.Key: {
			Value:          value,
			StatusCode:     ack.StatusCode,
			Status:         ack.Status,
			DesiredVersion: ack.DesiredVersion,
		},
	})
}
