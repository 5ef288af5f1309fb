// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookHandler delivers to any http:// or https:// channel URL with a
// generic JSON payload, following the teacher's sendWebhook shape.
type WebhookHandler struct {
	httpClient *http.Client
}

// NewWebhookHandler builds a WebhookHandler with a bounded request timeout.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (h *WebhookHandler) Matches(rawURL string) bool {
	return hasScheme(rawURL, "http://") || hasScheme(rawURL, "https://")
}

func (h *WebhookHandler) Send(rawURL, title, message string) error {
	payload := map[string]any{
		"title":   title,
		"message": message,
		"text":    fmt.Sprintf("*%s*\n%s", title, message),
	}
	if strings.Contains(strings.ToLower(rawURL), "discord.com") {
		payload = map[string]any{"content": fmt.Sprintf("**%s**\n%s", title, message)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}

// VoiceCallHandler delivers to sip:// channel URLs by placing a text-to-speech
// voice call through an HTTP-bridged SIP gateway. Real SIP signaling (INVITE
// transactions, RTP/TTS media negotiation) is outside what this pipeline
// needs to exercise; the gateway's call-origination API is the documented
// minimum spec.md section 4.8 asks for.
type VoiceCallHandler struct {
	httpClient *http.Client
	// GatewayURL is the HTTP endpoint of the SIP/TTS bridge that originates
	// the call. Empty disables delivery (Send returns an error).
	GatewayURL string
}

// NewVoiceCallHandler builds a VoiceCallHandler with no gateway configured;
// set GatewayURL before use.
func NewVoiceCallHandler() *VoiceCallHandler {
	return &VoiceCallHandler{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (h *VoiceCallHandler) Matches(rawURL string) bool {
	return hasScheme(rawURL, "sip:") || hasScheme(rawURL, "sips:")
}

func (h *VoiceCallHandler) Send(rawURL, title, message string) error {
	if h.GatewayURL == "" {
		return fmt.Errorf("voice call: no gateway configured")
	}
	dest, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("voice call: invalid SIP URI: %w", err)
	}

	payload := map[string]any{
		"to":  dest.Opaque,
		"tts": formatBody(title, message),
	}
	if payload["to"] == "" {
		payload["to"] = dest.Host + dest.Path
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, h.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("voice call gateway failed with status: %d", resp.StatusCode)
	}
	return nil
}
