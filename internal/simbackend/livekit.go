package simbackend

import (
	"time"

	"github.com/livekit/protocol/auth"
	"go.uber.org/zap"

	"astrolink/internal/model"
)

// -----------------------------------------------------------------
// LiveKit Integration
// -----------------------------------------------------------------

// mediaJoinInfo mints LiveKit join credentials for one participant in a
// voice/video room. Without configured API keys it still hands out the room
// name so chat-only development works.
func (h *Hub) mediaJoinInfo(roomName, identity string) *model.MediaJoinInfo {
	info := &model.MediaJoinInfo{
		RoomName: roomName,
		URL:      h.cfg.LiveKit.URL,
	}
	if h.cfg.LiveKit.APIKey == "" || h.cfg.LiveKit.APISecret == "" {
		return info
	}

	at := auth.NewAccessToken(h.cfg.LiveKit.APIKey, h.cfg.LiveKit.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	at.AddGrant(grant).SetIdentity(identity).SetValidFor(time.Hour)
	token, err := at.ToJWT()
	if err != nil {
		h.logger.Error("livekit token generation failed",
			zap.String("room", roomName),
			zap.Error(err))
		return info
	}
	info.Token = token
	return info
}
