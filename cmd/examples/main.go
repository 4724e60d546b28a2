package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veiloq/marketdata/pkg/client"
	"github.com/veiloq/marketdata/pkg/config"
	"github.com/veiloq/marketdata/pkg/logging"
	"github.com/veiloq/marketdata/pkg/rest"
	"github.com/veiloq/marketdata/pkg/stream"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logging.NewZapLogger(
		logging.WithDevelopmentMode(),
		logging.WithLogLevel(logging.DEBUG),
	)

	cfg := config.Default()
	if path := os.Getenv("MARKETDATA_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Error("failed to load config", logging.Error(err))
			os.Exit(1)
		}
		cfg = loaded
	}
	if url := os.Getenv("MARKETDATA_REST_URL"); url != "" {
		cfg.REST.BaseURL = url
	}
	if url := os.Getenv("MARKETDATA_STREAM_URL"); url != "" {
		cfg.StreamURL = url
	}
	if cfg.REST.BaseURL == "" {
		logger.Error("MARKETDATA_REST_URL or a config file with rest.baseURL is required")
		os.Exit(1)
	}

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create client", logging.Error(err))
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// One-shot REST call through the shared rate limiter.
	logger.Info("fetching ticker")
	resp, err := c.REST().Execute(ctx, rest.Request{
		EndpointID: "ticker",
		Method:     http.MethodGet,
		Path:       "/ticker",
		Symbol:     "BTCUSDT",
	})
	if err != nil {
		logger.Error("ticker request failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("ticker response",
		logging.Int("status", resp.StatusCode),
		logging.Int("bytes", len(resp.Body)),
	)

	if cfg.StreamURL == "" {
		logger.Info("MARKETDATA_STREAM_URL not set, skipping stream example")
		return
	}

	// Live trades plus an order-book delta channel with snapshot recovery.
	logger.Info("opening stream")
	mgr, err := c.OpenStream(ctx,
		stream.Subscription{Channel: "trades", Symbol: "BTCUSDT"},
		stream.Subscription{Channel: "orderbook", Symbol: "BTCUSDT", Recovery: stream.RecoverSnapshot},
	)
	if err != nil {
		logger.Error("failed to open stream", logging.Error(err))
		os.Exit(1)
	}

	deadline := time.After(2 * time.Minute)
	for {
		select {
		case <-deadline:
			logger.Info("example finished", logging.Int64("messages", mgr.Metrics().Messages))
			return
		default:
		}

		ev, err := mgr.Next(ctx)
		if err != nil {
			logger.Info("stream ended", logging.Error(err))
			return
		}

		switch ev.Type {
		case stream.EventData:
			logger.Info("event",
				logging.String("channel", ev.Channel),
				logging.String("symbol", ev.Symbol),
				logging.Int64("sequence", ev.Sequence),
			)
		case stream.EventSnapshot:
			logger.Info("snapshot",
				logging.String("symbol", ev.Symbol),
				logging.Int("bids", len(ev.Snapshot.Bids)),
				logging.Int("asks", len(ev.Snapshot.Asks)),
			)
		case stream.EventResyncRequired:
			logger.Warn("resync required", logging.String("channel", ev.Channel))
		case stream.EventBufferOverflow:
			logger.Warn("events dropped",
				logging.String("channel", ev.Channel),
				logging.Int("dropped", ev.Dropped),
			)
		}
	}
}
