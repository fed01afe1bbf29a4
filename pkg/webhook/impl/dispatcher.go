package impl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const requestTimeout = 5 * time.Second

// HTTPDispatcher POSTs lifecycle events as JSON to a subscriber URL.
// Delivery failures are logged, not returned; a flaky subscriber must never
// stall a worker.
type HTTPDispatcher struct {
	log        zerolog.Logger
	url        string
	httpClient *http.Client
}

// NewHTTPDispatcher creates a dispatcher targeting url.
func NewHTTPDispatcher(url string) *HTTPDispatcher {
	log := logger.With().
		Str("component", "webhook").
		Logger()

	return &HTTPDispatcher{
		log: log,
		url: url,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Dispatch sends the event, logging any failure.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, e webhook.Event) {
	if err := d.send(ctx, e); err != nil {
		d.log.Error().
			Err(err).
			Str("queueID", e.QueueID).
			Str("status", string(e.Status)).
			Msg("delivering webhook")
	}
}

func (d *HTTPDispatcher) send(ctx context.Context, e webhook.Event) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	postData, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling webhook JSON: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewBuffer(postData))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing webhook: %s", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.log.Error().Err(err).Msg("closing")
		}
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook request failed with status code: %d", resp.StatusCode)
	}
	return nil
}
