package store

import (
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchScheduled  BatchStatus = "scheduled"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientFailed     RecipientStatus = "failed"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
)

// IsTerminal reports whether a recipient has reached one of the statuses a
// recipient may never transition out of (spec invariant I2).
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientSent, RecipientFailed, RecipientBounced, RecipientComplained:
		return true
	default:
		return false
	}
}

type ModuleType string

const (
	ModuleEmail   ModuleType = "email"
	ModuleSMS     ModuleType = "sms"
	ModulePush    ModuleType = "push"
	ModuleWebhook ModuleType = "webhook"
)

type SendConfigMode string

const (
	ModeManaged SendConfigMode = "managed"
	ModeBYOK    SendConfigMode = "byok"
)

type Batch struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	SendConfigID    *uuid.UUID
	Status          BatchStatus
	TotalRecipients int
	SentCount       int
	FailedCount     int
	DeliveredCount  int
	BouncedCount    int
	Payload         map[string]any
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DryRun          bool
}

type Recipient struct {
	ID                uuid.UUID
	BatchID           uuid.UUID
	Identifier        string
	Name              *string
	Variables         map[string]string
	Status            RecipientStatus
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	BouncedAt         *time.Time
	ErrorMessage      *string
}

type RateLimit struct {
	PerSecond int
}

type SendConfig struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Module    ModuleType
	Mode      SendConfigMode
	Config    map[string]any
	RateLimit *RateLimit
	IsDefault bool
	IsActive  bool
}
