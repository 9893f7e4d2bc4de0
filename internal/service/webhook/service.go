package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

// EventPush is the only GitHub event that starts a deploy.
const EventPush = "push"

// Verify checks an HMAC-SHA256 signature header against body. An empty secret
// disables verification and always returns true; this is the dev mode and
// the service logs a warning about it at construction.
func Verify(body []byte, header string, secret string) bool {
	if secret == "" {
		return true
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	provided := strings.TrimPrefix(header, SignaturePrefix)
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}

// Sign returns the header value GitHub would send for body.
func Sign(body []byte, secret string) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(body)
	return SignaturePrefix + hex.EncodeToString(hasher.Sum(nil))
}

// PushEvent is the subset of a GitHub push payload the orchestrator reads.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// ParsePush decodes a push payload.
func ParsePush(body []byte) (PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return PushEvent{}, fmt.Errorf("decode push payload: %w", err)
	}
	return event, nil
}

// Decision tells the caller whether a delivery should start a run.
type Decision struct {
	Accepted bool
	Reason   string
}

// ErrInvalidSignature is returned when a delivery fails verification.
var ErrInvalidSignature = errors.New("invalid signature")

// Service validates deliveries and turns accepted pushes into triggers.
type Service struct {
	cfg    config.WebhookConfig
	logger *slog.Logger
}

// New constructs a webhook service.
func New(cfg config.WebhookConfig, logger *slog.Logger) Service {
	if cfg.Secret == "" {
		logger.Warn("webhook secret not configured, signature verification disabled")
	}
	return Service{cfg: cfg, logger: logger}
}

// CheckSignature verifies a delivery using the configured secret.
func (s Service) CheckSignature(body []byte, header string) error {
	if !Verify(body, header, s.cfg.Secret) {
		return ErrInvalidSignature
	}
	return nil
}

// Evaluate decides whether a verified delivery should trigger a deploy.
func (s Service) Evaluate(eventType string, body []byte) (domain.Trigger, Decision, error) {
	if eventType != EventPush {
		return domain.Trigger{}, Decision{Reason: fmt.Sprintf("event %s not handled", eventType)}, nil
	}
	push, err := ParsePush(body)
	if err != nil {
		return domain.Trigger{}, Decision{}, err
	}
	repo := push.Repository.FullName
	if repo != s.cfg.Repository || push.Ref != s.cfg.Ref {
		s.logger.Info("webhook ignored", "repo", repo, "ref", push.Ref)
		return domain.Trigger{}, Decision{Reason: fmt.Sprintf("repo/ref mismatch: %s %s", repo, push.Ref)}, nil
	}
	trigger := domain.Trigger{
		Source:     domain.TriggerWebhook,
		Repository: repo,
		Ref:        push.Ref,
		Commit:     push.After,
		Actor:      push.Pusher.Name,
		Payload:    append([]byte(nil), body...),
	}
	return trigger, Decision{Accepted: true}, nil
}
