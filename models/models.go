// Package models holds the small DTOs shared across package boundaries:
// one ephemeral (ReceivedText) and one persisted (TransferRecord).
package models

import "time"

// ReceivedText is a delivered text message, surfaced as a message-received
// event and never persisted.
type ReceivedText struct {
	SenderAlias string    `json:"sender_alias"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransferRecord is the row written to the bounded transfer history store
// once a Transfer reaches a terminal state.
type TransferRecord struct {
	ID               string    `json:"id"`
	Direction        string    `json:"direction"`
	Kind             string    `json:"kind"`
	PeerAddress      string    `json:"peer_address"`
	PeerAlias        string    `json:"peer_alias"`
	FileName         string    `json:"file_name"`
	DeclaredSize     int64     `json:"declared_size"`
	BytesTransferred int64     `json:"bytes_transferred"`
	State            string    `json:"state"`
	FinalPath        string    `json:"final_path"`
	FailureReason    string    `json:"failure_reason"`
	CreatedAt        time.Time `json:"created_at"`
	StateChangedAt   time.Time `json:"state_changed_at"`
}
