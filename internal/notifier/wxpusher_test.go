package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWxPusher_Send(t *testing.T) {
	var got wxPusherRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		w.Write([]byte(`{"code":1000,"msg":"处理成功","data":[],"success":true}`))
	}))
	defer server.Close()

	d := testDigest(2)
	outcome, err := NewWxPusher("SPT_xxx", server.URL).Send(context.Background(), d)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if outcome != OutcomeSent {
		t.Errorf("outcome = %v, want sent", outcome)
	}
	if got.SPT != "SPT_xxx" || got.ContentType != 2 || got.Content != d.HTMLBody {
		t.Errorf("unexpected request %+v", got)
	}
	if n := len([]rune(got.Summary)); n > 20 {
		t.Errorf("summary has %d runes, want <= 20", n)
	}
}

func TestWxPusher_SendFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rejected code", http.StatusOK, `{"code":1001,"msg":"spt错误"}`},
		{"string code", http.StatusOK, `{"code":"1002","msg":"bad"}`},
		{"not json", http.StatusOK, `<html></html>`},
		{"http error", http.StatusBadGateway, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			outcome, err := NewWxPusher("SPT_xxx", server.URL).Send(context.Background(), testDigest(1))
			if err == nil {
				t.Fatal("Send() error = nil, want error")
			}
			if outcome != OutcomeFailed {
				t.Errorf("outcome = %v, want failed", outcome)
			}
		})
	}
}

func TestWxPusher_StringSuccessCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1000","msg":"ok"}`))
	}))
	defer server.Close()

	if outcome, err := NewWxPusher("SPT_xxx", server.URL).Send(context.Background(), testDigest(1)); err != nil || outcome != OutcomeSent {
		t.Errorf("Send() = %v, %v; want sent", outcome, err)
	}
}

func TestWxPusher_NotConfigured(t *testing.T) {
	outcome, err := NewWxPusher("", "https://example.com").Send(context.Background(), testDigest(1))
	if err != nil || outcome != OutcomeNotConfigured {
		t.Errorf("Send() = %v, %v; want not configured", outcome, err)
	}
}
