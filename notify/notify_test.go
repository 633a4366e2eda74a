package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTelegram) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		body, _ := io.ReadAll(r.Body)
		values, _ := url.ParseQuery(string(body))
		f.mu.Lock()
		f.texts = append(f.texts, values.Get("text"))
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func TestTelegramNotifierSends(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	n, err := NewTelegramNotifierWithEndpoint("token", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), "🛑 BTC-USD 止损触发"))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.texts, 1)
	assert.Equal(t, "🛑 BTC-USD 止损触发", fake.texts[0])
}

func TestTelegramNotifierRequiresCredentials(t *testing.T) {
	_, err := NewTelegramNotifier("", 0)
	assert.Error(t, err)
}

func TestNoopNotifier(t *testing.T) {
	var n Notifier = NoopNotifier{}
	assert.NoError(t, n.Notify(context.Background(), "ignored"))
}
