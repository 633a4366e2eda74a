package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderParsesAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("symbol"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("timeframe") {
		case "1h":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"signal":"strong buy","confidence":1.4,"data":{"rsi":28}}`))
		case "1d":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret", 5*time.Second)

	a, err := p.Analyze(context.Background(), "BTC-USD", "1h")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, SignalStrongBuy, a.Signal)
	assert.Equal(t, 1.0, a.Confidence)
	assert.EqualValues(t, 28, a.Data["rsi"])

	a, err = p.Analyze(context.Background(), "BTC-USD", "1d")
	assert.NoError(t, err)
	assert.Nil(t, a)

	_, err = p.Analyze(context.Background(), "BTC-USD", "7d")
	assert.Error(t, err)
}

func TestParseSignal(t *testing.T) {
	s, ok := parseSignal("hold")
	assert.True(t, ok)
	assert.Equal(t, SignalNeutral, s)

	_, ok = parseSignal("moon")
	assert.False(t, ok)
}
