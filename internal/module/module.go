// Package module implements the Module port (spec §4.11, C11): the single
// outbound seam each email/sms/push/webhook provider implements, plus the
// payload builder that resolves field precedence (explicit batch payload >
// legacy top-level job fields > sendConfig defaults).
package module

import (
	"context"
	"time"

	"batchsender/internal/store"
)

// Payload is a tagged union over the four module kinds. Exactly one of the
// typed fields is populated, selected by Type.
type Payload struct {
	Type ModuleType

	Email   *EmailPayload
	SMS     *SMSPayload
	Push    *PushPayload
	Webhook *WebhookPayload
}

type ModuleType = store.ModuleType

const (
	TypeEmail   = store.ModuleEmail
	TypeSMS     = store.ModuleSMS
	TypePush    = store.ModulePush
	TypeWebhook = store.ModuleWebhook
)

type EmailPayload struct {
	To          string
	FromEmail   string
	FromName    string
	Subject     string
	HTMLContent string
	TextContent string
	Variables   map[string]string
}

type SMSPayload struct {
	To         string
	FromNumber string
	Message    string
	Variables  map[string]string
}

type PushPayload struct {
	To    string // device token
	Title string
	Body  string
	Data  map[string]string
}

type WebhookPayload struct {
	URL  string
	Body map[string]any
}

// Result is the outcome of a single Module.execute call.
type Result struct {
	Success           bool
	ProviderMessageID string
	Error             error
	LatencyMs         int64
}

// Module is the outbound seam every provider implements. It owns its own
// network client, request signing, and error mapping into errtype kinds.
type Module interface {
	Execute(ctx context.Context, payload Payload, config map[string]any) Result
}

// Registry resolves a ModuleType to its Module implementation.
type Registry struct {
	modules map[ModuleType]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[ModuleType]Module)}
}

func (r *Registry) Register(t ModuleType, m Module) {
	r.modules[t] = m
}

func (r *Registry) Resolve(t ModuleType) (Module, bool) {
	m, ok := r.modules[t]
	return m, ok
}

// DryRunLatency returns a synthesized latency within [minMs, maxMs] without
// sleeping the caller's goroutine past what the config allows; callers
// sleep this duration and synthesize a providerMessageId (spec §4.8 step 6).
func DryRunLatency(minMs, maxMs int, randFn func(n int) int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+randFn(maxMs-minMs)) * time.Millisecond
}
