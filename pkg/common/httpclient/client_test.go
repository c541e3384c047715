package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsTimeout(t *testing.T) {
	client := New(3 * time.Second)
	assert.Equal(t, 3*time.Second, client.Timeout)
	require.IsType(t, &http.Transport{}, client.Transport)
}

func TestNewRESTSendsJSONHeaders(t *testing.T) {
	var accept, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := NewREST(srv.URL, time.Second).R().SetBody(map[string]string{"q": "names"}).Post("/models/x:generateContent")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode())
	assert.Equal(t, "application/json", accept)
	assert.Contains(t, contentType, "application/json")
}
