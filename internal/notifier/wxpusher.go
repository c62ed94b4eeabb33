package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
)

const (
	wxPusherContentHTML = 2
	wxPusherCodeOK      = 1000
	wxPusherMaxSummary  = 20
)

// WxPusher sends the HTML digest through the WxPusher simple-push API.
type WxPusher struct {
	spt      string
	endpoint string
	client   *http.Client
}

func NewWxPusher(spt, endpoint string) *WxPusher {
	return &WxPusher{
		spt:      spt,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WxPusher) Name() string { return "wxpusher" }

type wxPusherRequest struct {
	Content     string `json:"content"`
	Summary     string `json:"summary"`
	ContentType int    `json:"contentType"`
	SPT         string `json:"spt"`
}

type wxPusherResponse struct {
	Code    json.Number `json:"code"`
	Msg     string      `json:"msg"`
	Success bool        `json:"success"`
}

func (w *WxPusher) Send(ctx context.Context, d *digest.Digest) (Outcome, error) {
	if w.spt == "" || w.endpoint == "" {
		return OutcomeNotConfigured, nil
	}

	body, err := json.Marshal(wxPusherRequest{
		Content:     d.HTMLBody,
		Summary:     truncateRunes(d.Subject, wxPusherMaxSummary),
		ContentType: wxPusherContentHTML,
		SPT:         w.spt,
	})
	if err != nil {
		return OutcomeFailed, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return OutcomeFailed, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("wxpusher request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return OutcomeFailed, fmt.Errorf("wxpusher status: %s, body: %s", resp.Status, string(respBody))
	}

	var result wxPusherResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return OutcomeFailed, fmt.Errorf("wxpusher: invalid response %q: %w", string(respBody), err)
	}
	if code, err := result.Code.Int64(); err != nil || code != wxPusherCodeOK {
		return OutcomeFailed, fmt.Errorf("wxpusher rejected message: code %s, msg %s", result.Code, result.Msg)
	}
	return OutcomeSent, nil
}
