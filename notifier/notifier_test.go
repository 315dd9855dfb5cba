package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oseitutunelson/samantha/models"
)

func sampleOutcome() models.CycleOutcome {
	kickoff := time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC)
	return models.CycleOutcome{
		State:        models.StateDone,
		Attempted:    1,
		Added:        1,
		OnChainCount: 1,
		Elapsed:      2 * time.Second,
		Records: []models.MatchRecord{
			{ExternalID: 537898, HomeTeam: "Arsenal", AwayTeam: "Chelsea", KickoffTime: kickoff, HomeOdds: 138, DrawOdds: 540, AwayOdds: 800},
		},
	}
}

func TestFormatCycleMessage(t *testing.T) {
	msg := FormatCycleMessage(sampleOutcome())

	assert.True(t, strings.HasPrefix(msg, "Match feed updated"))
	assert.Contains(t, msg, "537898: Arsenal vs Chelsea (1.38 / 5.40 / 8.00)")
	assert.NotContains(t, msg, "warning")
}

func TestFormatCycleMessage_FailureAndTruncation(t *testing.T) {
	o := models.CycleOutcome{State: models.StateFailed, Reason: models.ReasonNoMatchesAdded, Warnings: []string{"finalize: reverted"}}
	for i := 0; i < maxListed+3; i++ {
		o.Records = append(o.Records, models.MatchRecord{ExternalID: int64(i), HomeTeam: "H", AwayTeam: "A"})
	}

	msg := FormatCycleMessage(o)

	assert.True(t, strings.HasPrefix(msg, "Match feed ingestion failed"))
	assert.Contains(t, msg, "no matches added")
	assert.Contains(t, msg, "... and 3 more")
	assert.Contains(t, msg, "warning: finalize: reverted")
}

func TestFormatCycleMessage_CapsWarnings(t *testing.T) {
	o := models.CycleOutcome{State: models.StateDone, Attempted: 200, Added: 0}
	for i := 0; i < 200; i++ {
		o.Warnings = append(o.Warnings, "add match: execution reverted "+strings.Repeat("x", 500))
	}

	msg := FormatCycleMessage(o)

	assert.LessOrEqual(t, len([]rune(msg)), maxMessageLen)
	assert.Equal(t, maxWarnings, strings.Count(msg, "warning: "))
	assert.Contains(t, msg, "... and 195 more warnings")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.NotifyCycle(context.Background(), sampleOutcome()))
}

type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		w.Write([]byte(`{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"feed","username":"feed_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		f.texts = append(f.texts, r.Form.Get("text"))
		f.chats = append(f.chats, r.Form.Get("chat_id"))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newTestNotifier(t *testing.T, fake *fakeTelegram) *TelegramNotifier {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	bot, err := tgbotapi.NewBotAPIWithClient("TOKEN", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)
	return newTelegramNotifier(bot, 42, nil)
}

func TestTelegramNotifier_NotifyCycle(t *testing.T) {
	fake := &fakeTelegram{}
	n := newTestNotifier(t, fake)

	require.NoError(t, n.NotifyCycle(context.Background(), sampleOutcome()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.texts, 1)
	assert.Equal(t, "42", fake.chats[0])
	assert.Contains(t, fake.texts[0], "Arsenal vs Chelsea")
}

func TestTelegramNotifier_CancelledContext(t *testing.T) {
	fake := &fakeTelegram{}
	n := newTestNotifier(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.NotifyCycle(ctx, sampleOutcome()), context.Canceled)
	assert.Empty(t, fake.texts)
}
