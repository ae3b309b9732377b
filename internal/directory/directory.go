// Package directory defines the client-side contract with the WaveOS directory
// service, the backend of record for beacon resolution, waves, chats and profiles.
package directory

import (
	"context"

	"waveos/go-presence/internal/model"
)

// Directory is every directory operation the device consumes. All calls act on
// behalf of the authenticated caller.
type Directory interface {
	RegisterBeacon(ctx context.Context) (model.BeaconRegistration, error)
	ResolveBeacon(ctx context.Context, beaconID string) (model.Resolution, error)
	CreateWave(ctx context.Context, receiverID string) (model.WaveResult, error)
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
	GetGhostZones(ctx context.Context) ([]model.GhostZone, error)
	CreateGhostZone(ctx context.Context, req model.GhostZoneRequest) (model.GhostZone, error)
	GetActiveChats(ctx context.Context) ([]model.ChatSession, error)
	GetChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	SendChatMessage(ctx context.Context, chatID, content string) (model.ChatMessage, error)
	SubscribeMessages(ctx context.Context, chatID string) (Subscription, error)
}

// Subscription is a live stream of messages appended to one chat.
type Subscription interface {
	// Messages yields messages in the directory's append order. The channel is
	// closed when the subscription ends.
	Messages() <-chan model.ChatMessage
	Close() error
}

// MessagesTopic is the live-update topic for a chat's messages.
func MessagesTopic(chatID string) string {
	return "waveos/chats/" + chatID + "/messages"
}
