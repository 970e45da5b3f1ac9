package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const (
	pairwisePrefix    = "dm"
	pairwiseSeparator = "_"
)

// Session ties one live connection to the user behind it and the room it sits in.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	RoomID       string    `json:"room_id,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// PairwiseRoomID derives the room shared by exactly two users. Both sides
// compute the same id without a lookup.
func PairwiseRoomID(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return pairwisePrefix + pairwiseSeparator + ids[0] + pairwiseSeparator + ids[1]
}

// IsPairwiseRoom reports whether roomID has the pairwise shape.
func IsPairwiseRoom(roomID string) bool {
	rest, ok := strings.CutPrefix(roomID, pairwisePrefix+pairwiseSeparator)
	return ok && strings.Contains(rest, pairwiseSeparator)
}

// PairwiseParticipants splits a pairwise room id back into its two users.
// User ids containing the separator are ambiguous and only resolve through
// PairwiseCounterpart.
func PairwiseParticipants(roomID string) (string, string, bool) {
	rest, ok := strings.CutPrefix(roomID, pairwisePrefix+pairwiseSeparator)
	if !ok {
		return "", "", false
	}
	a, b, found := strings.Cut(rest, pairwiseSeparator)
	if !found || a == "" || b == "" || strings.Contains(b, pairwiseSeparator) || a > b {
		return "", "", false
	}
	return a, b, true
}

// PairwiseCounterpart returns the other participant of a pairwise room, or
// false when userID is not one of its two participants.
func PairwiseCounterpart(roomID, userID string) (string, bool) {
	rest, ok := strings.CutPrefix(roomID, pairwisePrefix+pairwiseSeparator)
	if !ok || userID == "" {
		return "", false
	}

	if other, found := strings.CutPrefix(rest, userID+pairwiseSeparator); found && other != "" {
		if PairwiseRoomID(userID, other) == roomID {
			return other, true
		}
	}
	if other, found := strings.CutSuffix(rest, pairwiseSeparator+userID); found && other != "" {
		if PairwiseRoomID(userID, other) == roomID {
			return other, true
		}
	}
	return "", false
}

// SignalKind names a WebRTC signaling envelope.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Valid reports whether the kind is relayable.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// EventName is the event used on the wire for this kind.
func (k SignalKind) EventName() string {
	return strings.ReplaceAll(string(k), "-", "_")
}

// SignalEnvelope is relayed verbatim from one connection to another. Never persisted.
type SignalEnvelope struct {
	FromConnectionID string          `json:"from"`
	ToConnectionID   string          `json:"to"`
	Kind             SignalKind      `json:"kind"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// NotificationEnvelope targets the live socket of one user. Never persisted.
type NotificationEnvelope struct {
	TargetUserID string          `json:"target_user_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
