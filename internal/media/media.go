// Package media defines the external media-engine collaborator. Voice and
// video consultations delegate call setup here; the core only forwards opaque
// signaling payloads and join credentials, it never manages media itself.
package media

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"astrolink/internal/model"
)

// Engine is implemented by the embedding application (WebRTC view, telephony
// bridge). All methods must return promptly; long setup belongs behind the
// engine's own goroutines.
type Engine interface {
	// StartCall joins the media room for a voice or video consultation.
	StartCall(ctx context.Context, consultationType string, info model.MediaJoinInfo) error

	// Signal forwards one opaque signaling payload from the backend.
	Signal(payload json.RawMessage) error

	// Stop leaves the media room. Idempotent.
	Stop(ctx context.Context) error
}

// NopEngine is the default engine for chat-only embeddings and tests: it
// logs and discards.
type NopEngine struct {
	Logger *zap.Logger
}

func (n NopEngine) StartCall(_ context.Context, consultationType string, info model.MediaJoinInfo) error {
	if n.Logger != nil {
		n.Logger.Info("media start ignored (nop engine)",
			zap.String("type", consultationType),
			zap.String("room", info.RoomName))
	}
	return nil
}

func (n NopEngine) Signal(json.RawMessage) error { return nil }

func (n NopEngine) Stop(context.Context) error { return nil }
