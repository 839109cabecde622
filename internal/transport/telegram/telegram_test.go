package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"sendfleet/internal/transport"
	"sendfleet/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantKind   transport.SendErrorKind
		retryAfter time.Duration
	}{
		{
			name: "flood wait carries retry hint",
			err: tele.FloodError{
				Error:      &tele.Error{Code: 429, Description: "Too Many Requests"},
				RetryAfter: 42,
			},
			wantKind:   transport.KindRateLimited,
			retryAfter: 42 * time.Second,
		},
		{
			name:     "bare 429 without flood payload",
			err:      &tele.Error{Code: 429, Description: "Too Many Requests: retry later"},
			wantKind: transport.KindRateLimited,
		},
		{
			name:     "blocked by user",
			err:      &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"},
			wantKind: transport.KindRecipientInvalid,
		},
		{
			name:     "chat not found",
			err:      &tele.Error{Code: 400, Description: "Bad Request: chat not found"},
			wantKind: transport.KindRecipientInvalid,
		},
		{
			name:     "other 400 stays transient",
			err:      &tele.Error{Code: 400, Description: "Bad Request: message is too long"},
			wantKind: transport.KindNetwork,
		},
		{
			name:     "plain error",
			err:      errors.New("dial tcp: connection refused"),
			wantKind: transport.KindNetwork,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			se, ok := transport.AsSendError(got)
			if !ok {
				t.Fatalf("classify(%v) = %v, not a SendError", tt.err, got)
			}
			if se.Kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", se.Kind, tt.wantKind)
			}
			if se.RetryAfter != tt.retryAfter {
				t.Fatalf("retryAfter = %v, want %v", se.RetryAfter, tt.retryAfter)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error lost its cause: %v", got)
			}
		})
	}
}

func TestNewRejectsBadAccounts(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty account map")
	}
	if _, err := New(Config{Accounts: map[string]string{"main": ""}}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
