package rest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/marketdata/pkg/logging"
)

func TestDebugHTTPClientDumpsTraffic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := logging.NewLogger()
	logger.SetLevel(logging.DEBUG)
	logger.SetOutput(&buf)

	client := NewDebugHTTPClient(logger, DebugConfig{LogBodies: true, Timeout: time.Second})
	resp, err := client.Get(srv.URL + "/ticker")
	require.NoError(t, err)
	defer resp.Body.Close()

	out := buf.String()
	assert.Contains(t, out, "http request")
	assert.Contains(t, out, "http response")
	assert.Contains(t, out, "/ticker")
}

func TestDebugTransportTruncatesDumps(t *testing.T) {
	d := &debugTransport{cfg: DebugConfig{MaxBodySize: 4}}
	assert.Equal(t, "abcd... (truncated)", d.truncate([]byte("abcdefgh")))
	assert.Equal(t, "ab", d.truncate([]byte("ab")))
}
