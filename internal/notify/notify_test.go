package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Title)
	}
	return out
}

func TestFromEntry(t *testing.T) {
	e := domain.NewAuditEntry(time.Now(), domain.AuditActionActiveBlock, domain.ModeTriggered, domain.ModeActiveBlock, "closed 2 of 2 positions")
	e.PnL = decimal.NewFromInt(-520)
	e.Positions = []domain.PositionID{"a", "b"}
	e.Outcomes = []domain.CloseOutcome{{PositionID: "a", Attempt: 1, Success: true}, {PositionID: "b", Attempt: 1, Success: true}}

	msg := FromEntry(e)
	assert.Equal(t, "Active block engaged", msg.Title)
	assert.Equal(t, LevelCritical, msg.Level)
	assert.Contains(t, msg.Text, "pnl: -520.00")
	assert.Contains(t, msg.Text, "mode: active_block")
	assert.Contains(t, msg.Text, "positions: 2, result: OK")
	assert.True(t, strings.HasPrefix(msg.String(), "🚨 Active block engaged"))
}

func TestDispatcher_RateLimitsEnforcementOnly(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(zap.NewNop(), time.Hour, rec)
	ctx := context.Background()

	blocked := domain.NewAuditEntry(time.Now(), domain.AuditActionBlocked, domain.ModeActiveBlock, domain.ModeActiveBlock, "x")
	d.Handle(ctx, blocked)
	d.Handle(ctx, blocked)
	d.Handle(ctx, blocked)
	d.Handle(ctx, domain.NewAuditEntry(time.Now(), domain.AuditActionDailyReset, domain.ModeActiveBlock, domain.ModeNormal, "reset"))

	assert.Equal(t, []string{"New position closed", "Daily reset, trading allowed"}, rec.titles())
	assert.Contains(t, rec.msgs[1].Text, "+2 alerts suppressed")
}

func TestDispatcher_Run(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(nil, 0, rec)
	ch := make(chan domain.AuditEntry, 2)
	ch <- domain.NewAuditEntry(time.Now(), domain.AuditActionStart, domain.ModeNormal, domain.ModeNormal, "startup")
	ch <- domain.NewAuditEntry(time.Now(), domain.AuditActionSafeMode, domain.ModeNormal, domain.ModeNormal, "too many restarts")
	close(ch)

	require.NoError(t, d.Run(context.Background(), ch))
	assert.Equal(t, []string{"Guardian started", "Guardian in safe mode"}, rec.titles())
}

func TestDispatcher_Disabled(t *testing.T) {
	d := NewDispatcher(nil, time.Second)
	assert.False(t, d.Enabled())
	d.Handle(context.Background(), domain.NewAuditEntry(time.Now(), domain.AuditActionStart, domain.ModeNormal, domain.ModeNormal, ""))
}

func TestDiscord_Send(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL).Send(context.Background(), Message{Title: "t", Text: "body", Level: LevelWarning})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "t", got.Embeds[0].Title)
	assert.Equal(t, "body", got.Embeds[0].Description)
	assert.Equal(t, discordColors[LevelWarning], got.Embeds[0].Color)
}

func TestDiscord_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"message":"rate limited"}`)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestTelegram_Send(t *testing.T) {
	var (
		mu   sync.Mutex
		text string
		chat string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"sentinel","username":"sentinel_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			mu.Lock()
			text, chat = r.FormValue("text"), r.FormValue("chat_id")
			mu.Unlock()
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram("token", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	assert.Equal(t, "telegram", tg.Name())

	require.NoError(t, tg.Send(context.Background(), Message{Title: "Active block engaged", Text: "closed", Level: LevelCritical}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", chat)
	assert.Equal(t, fmt.Sprintf("🚨 %s\n%s", "Active block engaged", "closed"), text)
}
