package quicvc

import (
	"encoding/json"
	"strings"
)

// This file decodes the dynamic inner payloads carried by frames: the
// embedded peer emits either compact JSON or HTML microdata for the same
// logical fields. Each decoder attempts the shapes in a fixed order and
// returns a typed tagged variant.

// HandshakeAck is the decoded VC_RESPONSE payload.
type HandshakeAck struct {
	Status   string
	Owner    string
	DeviceID string
	Message  string
}

// DeviceAnnounce is the decoded DISCOVERY payload.
type DeviceAnnounce struct {
	DeviceID   string
	DeviceType string
	Ownership  string
	Status     string
}

// LedStatus is the decoded STREAM stream_id=3 response payload.
type LedStatus struct {
	RequestID string
	DeviceID  string
	Fields    map[string]string
}

// jsonHandshakeAck matches the embedded peer's VC_RESPONSE JSON shape.
type jsonHandshakeAck struct {
	Status   string `json:"status"`
	Owner    string `json:"owner"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// DecodeHandshakeAck decodes a VC_RESPONSE frame payload: microdata
// first, then JSON, the same order as every other non-STREAM payload
// decoder in this file.
func DecodeHandshakeAck(raw []byte) (HandshakeAck, error) {
	props := extractMicrodata(raw)
	if status, ok := props["status"]; ok {
		return HandshakeAck{
			Status:   status,
			Owner:    props["owner"],
			DeviceID: props["device_id"],
			Message:  props["message"],
		}, nil
	}

	var j jsonHandshakeAck
	if err := json.Unmarshal(raw, &j); err == nil && j.Status != "" {
		return HandshakeAck{
			Status:   j.Status,
			Owner:    j.Owner,
			DeviceID: j.DeviceID,
			Message:  j.Message,
		}, nil
	}

	return HandshakeAck{}, ErrMalformedFramePayload
}

// jsonDeviceAnnounce matches the embedded peer's compact DISCOVERY JSON
// shape: abbreviated keys t/i/s/o.
type jsonDeviceAnnounce struct {
	Type      string `json:"t"`
	ID        string `json:"i"`
	Status    string `json:"s"`
	Ownership string `json:"o"`
}

// DecodeDeviceAnnounce decodes a DISCOVERY frame payload: microdata
// first, then compact JSON.
func DecodeDeviceAnnounce(raw []byte) (DeviceAnnounce, error) {
	props := extractMicrodata(raw)
	if id, ok := props["device_id"]; ok {
		return DeviceAnnounce{
			DeviceID:   id,
			DeviceType: props["device_type"],
			Ownership:  props["ownership"],
			Status:     props["status"],
		}, nil
	}

	var j jsonDeviceAnnounce
	if err := json.Unmarshal(raw, &j); err == nil && j.ID != "" {
		return DeviceAnnounce{
			DeviceID:  j.ID,
			Status:    j.Status,
			Ownership: j.Ownership,
		}, nil
	}

	return DeviceAnnounce{}, ErrMalformedFramePayload
}

// DecodeLedStatus decodes a STREAM stream_id=3 LEDStatusResponse payload.
// For STREAM data, JSON precedes microdata.
func DecodeLedStatus(raw []byte) (LedStatus, error) {
	var generic map[string]string
	if err := json.Unmarshal(raw, &generic); err == nil {
		if typ := generic["$type$"]; typ == "LEDStatusResponse" {
			return LedStatus{
				RequestID: generic["requestId"],
				DeviceID:  generic["deviceId"],
				Fields:    generic,
			}, nil
		}
	}

	props := extractMicrodata(raw)
	if props["$type$"] == "LEDStatusResponse" {
		return LedStatus{
			RequestID: props["requestId"],
			DeviceID:  props["deviceId"],
			Fields:    props,
		}, nil
	}

	return LedStatus{}, ErrMalformedFramePayload
}

// IsOwnershipRemovalAck reports whether a STREAM stream_id=2 payload is
// an ownership-removal acknowledgement. JSON precedes microdata for
// STREAM data.
func IsOwnershipRemovalAck(raw []byte) bool {
	var generic map[string]string
	if err := json.Unmarshal(raw, &generic); err == nil {
		if generic["type"] == "ownership_remove_ack" {
			return true
		}
	}

	props := extractMicrodata(raw)
	return props["status"] == "ownership_removed"
}

// extractMicrodata is a minimal HTML-microdata scanner: it finds every
// `itemprop="name"` attribute and captures the text content of the
// immediately following tag (up to its closing tag). This is not a
// general HTML parser -- the embedded peer only ever emits flat,
// single-level itemprop spans.
func extractMicrodata(raw []byte) map[string]string {
	out := map[string]string{}
	s := string(raw)

	for {
		idx := strings.Index(s, `itemprop="`)
		if idx < 0 {
			break
		}
		s = s[idx+len(`itemprop="`):]

		end := strings.IndexByte(s, '"')
		if end < 0 {
			break
		}
		name := s[:end]
		s = s[end+1:]

		gt := strings.IndexByte(s, '>')
		if gt < 0 {
			break
		}
		s = s[gt+1:]

		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			break
		}
		out[name] = strings.TrimSpace(s[:lt])
		s = s[lt:]
	}

	return out
}
