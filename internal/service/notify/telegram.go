package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const errorBodyLimit = 500

// TelegramSender posts messages through the Bot API sendMessage method.
type TelegramSender struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramSender builds a sender for chatID. apiURL defaults to the public Bot API.
func NewTelegramSender(apiURL, token, chatID string, client *http.Client) *TelegramSender {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TelegramSender{
		endpoint: strings.TrimRight(apiURL, "/") + "/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   client,
	}
}

// Name implements Sender.
func (s *TelegramSender) Name() string { return "telegram" }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send implements Sender.
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: s.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		// The request URL embeds the bot token; keep it out of logs.
		return fmt.Errorf("telegram request failed: %w", redact(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
