package rest

import (
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/veiloq/marketdata/pkg/logging"
)

// DebugConfig tunes wire-level traffic logging.
type DebugConfig struct {
	// LogBodies includes request and response bodies in the dumps.
	LogBodies bool

	// MaxBodySize truncates dumped bodies, 0 means 1 KiB.
	MaxBodySize int

	// Timeout for the underlying client.
	Timeout time.Duration
}

// NewDebugHTTPClient returns an *http.Client that dumps every request and
// response at debug level before handing them to the default transport.
// Pass it through Config.HTTPClient when diagnosing exchange compatibility
// problems; it is not meant for production traffic.
func NewDebugHTTPClient(logger logging.Logger, cfg DebugConfig) *http.Client {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1024
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &debugTransport{
			base:   http.DefaultTransport,
			logger: logger,
			cfg:    cfg,
		},
	}
}

type debugTransport struct {
	base   http.RoundTripper
	logger logging.Logger
	cfg    DebugConfig
}

func (d *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqDump, err := httputil.DumpRequestOut(req, d.cfg.LogBodies)
	if err != nil {
		d.logger.Warn("failed to dump request for logging", logging.Error(err))
	}
	d.logger.Debug("http request",
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.String("dump", d.truncate(reqDump)),
	)

	start := time.Now()
	resp, err := d.base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		d.logger.Debug("http request failed",
			logging.String("method", req.Method),
			logging.String("url", req.URL.String()),
			logging.Duration("duration", duration),
			logging.Error(err),
		)
		return nil, err
	}

	// DumpResponse with body reads it into memory and replaces resp.Body,
	// so the caller still gets the full payload.
	respDump, err := httputil.DumpResponse(resp, d.cfg.LogBodies)
	if err != nil {
		d.logger.Warn("failed to dump response for logging", logging.Error(err))
	}
	d.logger.Debug("http response",
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", duration),
		logging.String("dump", d.truncate(respDump)),
	)
	return resp, nil
}

func (d *debugTransport) truncate(dump []byte) string {
	if len(dump) > d.cfg.MaxBodySize {
		return string(dump[:d.cfg.MaxBodySize]) + "... (truncated)"
	}
	return string(dump)
}
