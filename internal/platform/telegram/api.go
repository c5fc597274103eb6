package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultAPIBase = "https://api.telegram.org"

// callAPI posts payload to a Bot API method telebot does not wrap.
func (a *Adapter) callAPI(ctx context.Context, method string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	base := a.apiBase
	if base == "" {
		base = defaultAPIBase
	}
	url := strings.TrimRight(base, "/") + "/bot" + strings.TrimSpace(a.cfg.Token) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram %s failed: %s (code=%d http=%d)", method, out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram %s failed: http=%d", method, resp.StatusCode)
	}
	return nil
}

type reactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

func (a *Adapter) setMessageReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return a.callAPI(ctx, "setMessageReaction", struct {
		ChatID    int64          `json:"chat_id"`
		MessageID int            `json:"message_id"`
		Reaction  []reactionType `json:"reaction"`
	}{chatID, messageID, []reactionType{{Type: "emoji", Emoji: emoji}}})
}
