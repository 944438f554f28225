package module

import (
	"fmt"
	"regexp"
	"strings"

	"batchsender/internal/store"
)

// JobData is what C7 publishes per recipient and C8 decodes (spec §6
// email.user.<userId>.send payload). It carries all three precedence
// layers the builder resolves from.
type JobData struct {
	BatchID      string            `json:"batchId"`
	RecipientID  string            `json:"recipientId"`
	UserID       string            `json:"userId"`
	Identifier   string            `json:"identifier"`
	Name         string            `json:"name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Module       ModuleType        `json:"module"`
	SendConfig   map[string]any    `json:"sendConfig,omitempty"`
	BatchPayload map[string]any    `json:"batchPayload,omitempty"`
	DryRun       bool              `json:"dryRun,omitempty"`
	TraceID      string            `json:"traceId,omitempty"`
}

var templateToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// substitute replaces {{key}} tokens using variables, plus {{name}} and
// {{email}} conveniences. Unknown tokens are left unchanged (spec §4.8.2).
func substitute(text string, variables map[string]string, name, email string) string {
	if text == "" {
		return text
	}
	return templateToken.ReplaceAllStringFunc(text, func(match string) string {
		key := templateToken.FindStringSubmatch(match)[1]
		if v, ok := variables[key]; ok {
			return v
		}
		switch key {
		case "name":
			return name
		case "email":
			return email
		default:
			return match
		}
	})
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func mapOf(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	asMap, _ := v.(map[string]any)
	return asMap
}

// resolve picks the first non-empty string among explicit batch payload,
// legacy top-level job field, and sendConfig default, in that priority
// order (spec §4.11 "Field resolution priority").
func resolve(batchValue, legacyValue, configDefault string) string {
	if batchValue != "" {
		return batchValue
	}
	if legacyValue != "" {
		return legacyValue
	}
	return configDefault
}

// Build constructs the module-specific Payload for job, resolving field
// precedence per spec §4.11 and applying template substitution (§4.8.2).
func Build(job JobData) (Payload, error) {
	switch job.Module {
	case TypeEmail:
		return buildEmail(job), nil
	case TypeSMS:
		return buildSMS(job), nil
	case TypePush:
		return buildPush(job), nil
	case TypeWebhook:
		return buildWebhook(job), nil
	default:
		return Payload{}, fmt.Errorf("unknown module type %q", job.Module)
	}
}

func buildEmail(job JobData) Payload {
	batch := job.BatchPayload
	cfg := job.SendConfig

	subject := resolve(str(batch, "subject"), str(batch, "legacySubject"), str(cfg, "defaultSubject"))
	html := resolve(str(batch, "htmlContent"), str(batch, "legacyHtml"), str(cfg, "defaultHtmlContent"))
	text := resolve(str(batch, "textContent"), str(batch, "legacyText"), str(cfg, "defaultTextContent"))
	fromEmail := resolve(str(batch, "fromEmail"), "", str(cfg, "fromEmail"))
	fromName := resolve(str(batch, "fromName"), "", str(cfg, "fromName"))

	email := job.Identifier
	name := job.Name

	return Payload{
		Type: TypeEmail,
		Email: &EmailPayload{
			To:          email,
			FromEmail:   fromEmail,
			FromName:    fromName,
			Subject:     substitute(subject, job.Variables, name, email),
			HTMLContent: substitute(html, job.Variables, name, email),
			TextContent: substitute(text, job.Variables, name, email),
			Variables:   job.Variables,
		},
	}
}

func buildSMS(job JobData) Payload {
	batch := job.BatchPayload
	cfg := job.SendConfig

	message := resolve(str(batch, "message"), str(batch, "legacyMessage"), str(cfg, "defaultMessage"))
	fromNumber := resolve(str(batch, "fromNumber"), "", str(cfg, "fromNumber"))

	return Payload{
		Type: TypeSMS,
		SMS: &SMSPayload{
			To:         job.Identifier,
			FromNumber: fromNumber,
			Message:    substitute(message, job.Variables, job.Name, job.Identifier),
			Variables:  job.Variables,
		},
	}
}

func buildPush(job JobData) Payload {
	batch := job.BatchPayload
	cfg := job.SendConfig

	title := resolve(str(batch, "title"), str(batch, "legacyTitle"), str(cfg, "defaultTitle"))
	body := resolve(str(batch, "body"), str(batch, "legacyBody"), str(cfg, "defaultBody"))

	data := map[string]string{}
	if raw := mapOf(batch, "data"); raw != nil {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				data[k] = s
			}
		}
	}

	return Payload{
		Type: TypePush,
		Push: &PushPayload{
			To:    job.Identifier,
			Title: substitute(title, job.Variables, job.Name, job.Identifier),
			Body:  substitute(body, job.Variables, job.Name, job.Identifier),
			Data:  data,
		},
	}
}

func buildWebhook(job JobData) Payload {
	cfg := job.SendConfig
	url := str(cfg, "url")

	body := map[string]any{}
	if raw := mapOf(job.BatchPayload, "body"); raw != nil {
		body = raw
	}

	return Payload{
		Type: TypeWebhook,
		Webhook: &WebhookPayload{
			URL:  url,
			Body: body,
		},
	}
}

// ModeForConfig resolves the dispatch mode off the sendConfig, defaulting
// to managed when absent (spec Open Question resolution: SendConfig.Mode
// is an explicit persisted field).
func ModeForConfig(cfg *store.SendConfig) store.SendConfigMode {
	if cfg == nil || cfg.Mode == "" {
		return store.ModeManaged
	}
	return cfg.Mode
}

// providerFromConfig extracts the "provider" key used to key shared
// provider-pool rate limits in managed mode.
func providerFromConfig(cfg map[string]any) string {
	return strings.ToLower(str(cfg, "provider"))
}
