package model

import "time"

// Position is a WGS84 coordinate in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Profile is the public view of a user returned by the directory.
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name returns the display name, falling back to the username.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Beacon is an anonymous rotating identifier owned by exactly one user.
type Beacon struct {
	BeaconID  string    `json:"beacon_id"`
	OwnerID   string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"is_active"`
}

// BeaconRegistration is the directory's answer to a beacon registration.
type BeaconRegistration struct {
	BeaconID  string    `json:"beacon_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GhostZone is a circle in which the owner's beacon must never be advertised.
type GhostZone struct {
	ZoneID       string    `json:"id"`
	OwnerID      string    `json:"user_id"`
	Name         string    `json:"name"`
	Center       Position  `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// GhostZoneRequest carries the fields a user supplies when creating a zone.
type GhostZoneRequest struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters,omitempty"`
}

// Resolution is the directory's answer to a beacon lookup.
type Resolution struct {
	Nearby  bool     `json:"nearby"`
	Profile *Profile `json:"profile,omitempty"`
}

// NearbyObservation is one resolved beacon from the latest scan cycle.
type NearbyObservation struct {
	BeaconID string   `json:"beacon_id"`
	Profile  *Profile `json:"profile,omitempty"`
}

// WaveStatus is the lifecycle state of a wave.
type WaveStatus string

const (
	WavePending  WaveStatus = "pending"
	WaveMutual   WaveStatus = "mutual"
	WaveExpired  WaveStatus = "expired"
	WaveDeclined WaveStatus = "declined"
)

// Terminal reports whether no further transition can happen.
func (s WaveStatus) Terminal() bool {
	switch s {
	case WaveMutual, WaveExpired, WaveDeclined:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s WaveStatus) Valid() bool {
	return s == WavePending || s.Terminal()
}

// Wave is a one-directional intent to connect.
type Wave struct {
	WaveID      string     `json:"id"`
	InitiatorID string     `json:"initiator_id"`
	ReceiverID  string     `json:"receiver_id"`
	Status      WaveStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	MutualAt    *time.Time `json:"mutual_at,omitempty"`
}

// WaveResult is returned by wave creation. Chat is set only when the wave is mutual.
type WaveResult struct {
	Wave Wave         `json:"wave"`
	Chat *ChatSession `json:"chat,omitempty"`
}

// ChatSession is the time-boxed channel created by a mutual wave.
type ChatSession struct {
	ChatID       string    `json:"id"`
	WaveID       string    `json:"wave_id"`
	ParticipantA string    `json:"user1_id"`
	ParticipantB string    `json:"user2_id"`
	StartedAt    time.Time `json:"started_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"is_active"`
}

// HasParticipant reports whether userID is one of the two members.
func (c ChatSession) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// ChatMessage is an append-only message inside a chat session.
type ChatMessage struct {
	MessageID string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CleanupReport summarizes one pass of stale-state cleanup.
type CleanupReport struct {
	PresenceDeleted int64     `json:"presence_deleted"`
	BeaconsExpired  int64     `json:"beacons_expired"`
	ChatsExpired    int64     `json:"chats_expired"`
	WavesExpired    int64     `json:"waves_expired"`
	CleanedAt       time.Time `json:"cleaned_at"`
}
