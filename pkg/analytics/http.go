package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/srand/slicer/pkg/log"
)

type analyticsEvent struct {
	ExID  string `json:"ex_id"`
	Delta Delta  `json:"delta"`
	Time  int64  `json:"time"`
}

type httpReporter struct {
	client http.Client
	uri    string
	ch     chan *analyticsEvent
	done   chan struct{}
}

// Reporter posting deltas as JSON to <uri>/api/v1/analytics.
// Posts happen in the background, Push never blocks on the network.
func NewHttpReporter(uri string) Reporter {
	r := &httpReporter{
		client: http.Client{Timeout: 10 * time.Second},
		uri:    strings.TrimSuffix(uri, "/"),
		ch:     make(chan *analyticsEvent, 1000),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *httpReporter) formatUri() string {
	return fmt.Sprintf("%s/api/v1/analytics", r.uri)
}

func (r *httpReporter) postEvent(event *analyticsEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	body := bytes.NewReader(data)
	response, err := r.client.Post(r.formatUri(), echo.MIMEApplicationJSON, body)
	if err == nil {
		response.Body.Close()
	} else {
		log.Trace("failed to post analytics:", err)
	}
	return err
}

func (r *httpReporter) Push(ctx context.Context, exID string, delta Delta) error {
	if delta.IsZero() {
		return nil
	}

	event := &analyticsEvent{ExID: exID, Delta: delta, Time: time.Now().UnixMilli()}
	select {
	case r.ch <- event:
	default:
		log.Debug("failed sending analytics, channel full")
	}
	return nil
}

func (r *httpReporter) run() {
	defer close(r.done)
	for event := range r.ch {
		r.postEvent(event)
	}
}

// Flushes queued events before returning.
func (r *httpReporter) Close() error {
	close(r.ch)
	<-r.done
	return nil
}
