package printer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/stocksync/internal/config"
)

func TestPrintText_SendsContent(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/print", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(config.PrinterConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, client.PrintText(context.Background(), "Soap x2"))
	assert.Equal(t, "Soap x2", got["text"])
	assert.Equal(t, "Bearer secret", auth)
}

func TestPrintText_Unconfigured(t *testing.T) {
	client := NewClient(config.PrinterConfig{})
	assert.ErrorIs(t, client.PrintText(context.Background(), "x"), ErrNotConnected)
}

func TestPrintText_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(config.PrinterConfig{BaseURL: url})
	assert.ErrorIs(t, client.PrintText(context.Background(), "x"), ErrNotConnected)
}

func TestPrintText_PaperOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no printer paired"}`))
	}))
	defer srv.Close()

	err := NewClient(config.PrinterConfig{BaseURL: srv.URL}).PrintText(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorContains(t, err, "no printer paired")
}

func TestPrintText_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewClient(config.PrinterConfig{BaseURL: srv.URL}).PrintText(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
}
