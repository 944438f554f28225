package hotstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batchsender/internal/store"
)

// statusCode maps a RecipientStatus to the 1-byte code used in the compact
// encoding (spec §4.3.1).
func statusCode(s store.RecipientStatus) byte {
	switch s {
	case store.RecipientPending:
		return 'p'
	case store.RecipientQueued:
		return 'q'
	case store.RecipientSent:
		return 's'
	case store.RecipientFailed:
		return 'f'
	case store.RecipientBounced:
		return 'b'
	case store.RecipientComplained:
		return 'c'
	default:
		return 'p'
	}
}

func codeStatus(c byte) store.RecipientStatus {
	switch c {
	case 'p':
		return store.RecipientPending
	case 'q':
		return store.RecipientQueued
	case 's':
		return store.RecipientSent
	case 'f':
		return store.RecipientFailed
	case 'b':
		return store.RecipientBounced
	case 'c':
		return store.RecipientComplained
	default:
		return store.RecipientPending
	}
}

// RecipientState is the decoded form of a compact hot-state value.
type RecipientState struct {
	Status            store.RecipientStatus
	SentAtUnixMs       int64
	ProviderMessageID string
	ErrorMessage      string
}

// encodeSent builds the "s:<unixMs>:<providerMessageId>" value.
func encodeSent(providerMessageID string, at time.Time) string {
	return fmt.Sprintf("s:%d:%s", at.UnixMilli(), providerMessageID)
}

// encodeTerminalWithError builds "<code>:<errorMessage>" for failed/bounced/
// complained states.
func encodeTerminalWithError(status store.RecipientStatus, errMsg string) string {
	return fmt.Sprintf("%c:%s", statusCode(status), errMsg)
}

// encodeSimple builds the single-code form for pending/queued.
func encodeSimple(status store.RecipientStatus) string {
	return string(statusCode(status))
}

// legacyState mirrors the JSON shape the teacher's earlier (pre-compact-
// encoding) persistence layer wrote, kept for decode compatibility during a
// rolling upgrade (spec §4.3.1 "Decoder tolerates legacy JSON").
type legacyState struct {
	Status            string `json:"status"`
	SentAt            int64  `json:"sentAt"`
	ProviderMessageID string `json:"providerMessageId"`
	ErrorMessage      string `json:"errorMessage"`
}

// DecodeState parses a raw hot-state value, whether compact or legacy JSON.
func DecodeState(raw string) (RecipientState, error) {
	if raw == "" {
		return RecipientState{}, fmt.Errorf("empty hot state value")
	}

	if strings.HasPrefix(raw, "{") {
		var legacy legacyState
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return RecipientState{}, fmt.Errorf("decode legacy hot state: %w", err)
		}
		return RecipientState{
			Status:            store.RecipientStatus(legacy.Status),
			SentAtUnixMs:      legacy.SentAt,
			ProviderMessageID: legacy.ProviderMessageID,
			ErrorMessage:      legacy.ErrorMessage,
		}, nil
	}

	code := raw[0]
	status := codeStatus(code)

	switch status {
	case store.RecipientSent:
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 {
			return RecipientState{Status: status}, nil
		}
		sentAt, _ := strconv.ParseInt(parts[1], 10, 64)
		providerMessageID := ""
		if len(parts) == 3 {
			providerMessageID = parts[2]
		}
		return RecipientState{Status: status, SentAtUnixMs: sentAt, ProviderMessageID: providerMessageID}, nil
	case store.RecipientFailed, store.RecipientBounced, store.RecipientComplained:
		parts := strings.SplitN(raw, ":", 2)
		errMsg := ""
		if len(parts) == 2 {
			errMsg = parts[1]
		}
		return RecipientState{Status: status, ErrorMessage: errMsg}, nil
	default:
		return RecipientState{Status: status}, nil
	}
}
