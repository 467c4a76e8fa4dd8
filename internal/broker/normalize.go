package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

// Normalize folds a raw booking-offer payload into the canonical
// model.BookingRequest. Two wire shapes are accepted: flat, with the id in a
// top-level bookingId field, and nested, with the booking object under a
// "booking" key. Fields the canonical struct has no name for are preserved in
// Metadata; an offer with no resolvable id fails with ErrMalformedRequest.
func Normalize(raw json.RawMessage) (model.BookingRequest, error) {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return model.BookingRequest{}, fmt.Errorf("%w: %v", model.ErrMalformedRequest, err)
	}

	// nested shape: primary fields live under "booking", flags like wasQueued
	// may sit beside it at the top level
	fields := top
	if nested, ok := top["booking"].(map[string]any); ok {
		delete(top, "booking")
		fields = make(map[string]any, len(nested)+len(top))
		for k, v := range top {
			fields[k] = v
		}
		for k, v := range nested {
			fields[k] = v
		}
	}

	id, ok := takeString(fields, "bookingId", "id", "_id")
	if !ok || id == "" {
		return model.BookingRequest{}, fmt.Errorf("%w: no resolvable id", model.ErrMalformedRequest)
	}

	req := model.BookingRequest{ID: id, Metadata: map[string]any{}}

	if t, ok := takeString(fields, "consultationType", "type", "mode"); ok {
		req.Type = normalizeType(t)
	} else {
		req.Type = event.ConsultationChat
	}
	if rate, ok := takeNumber(fields, "rate", "price", "ratePerMin", "amount"); ok {
		req.Rate = rate
	}
	req.Currency, _ = takeString(fields, "currency")
	req.Notes, _ = takeString(fields, "notes", "message")
	if created, ok := takeTime(fields, "createdAt", "created_at", "timestamp"); ok {
		req.CreatedAt = created
	} else {
		req.CreatedAt = time.Now()
	}
	if expires, ok := takeTime(fields, "expiresAt", "expires_at", "expiry"); ok {
		req.ExpiresAt = &expires
	}
	req.WasQueued, _ = takeBool(fields, "wasQueued", "queued", "offline")

	if user, ok := fields["user"].(map[string]any); ok {
		delete(fields, "user")
		req.Requester = requesterFrom(user)
	} else if user, ok := fields["requester"].(map[string]any); ok {
		delete(fields, "requester")
		req.Requester = requesterFrom(user)
	}

	// everything unconsumed passes through
	for k, v := range fields {
		req.Metadata[k] = v
	}
	if len(req.Metadata) == 0 {
		req.Metadata = nil
	}
	return req, nil
}

func normalizeType(t string) string {
	switch t {
	case event.ConsultationChat, event.ConsultationVoice, event.ConsultationVideo:
		return t
	case "call", "audio":
		return event.ConsultationVoice
	default:
		return event.ConsultationChat
	}
}

func requesterFrom(user map[string]any) model.RequesterSummary {
	var r model.RequesterSummary
	r.Name, _ = takeString(user, "name", "displayName")
	r.ImageURL, _ = takeString(user, "imageUrl", "image", "avatar")
	return r
}

// -----------------------------------------------------------------
// Field Extraction
// -----------------------------------------------------------------

// takeString pops the first present key and returns it as a string.
func takeString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			delete(m, k)
			return s, true
		}
	}
	return "", false
}

func takeNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			delete(m, k)
			return n, true
		case string:
			var f float64
			if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
				delete(m, k)
				return f, true
			}
		}
	}
	return 0, false
}

func takeBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		if b, ok := v.(bool); ok {
			delete(m, k)
			return b, true
		}
	}
	return false, false
}

// takeTime accepts unix millis, unix seconds, or RFC3339 strings.
func takeTime(m map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			delete(m, k)
			if t > 1e12 { // millis
				return time.UnixMilli(int64(t)), true
			}
			return time.Unix(int64(t), 0), true
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				delete(m, k)
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
