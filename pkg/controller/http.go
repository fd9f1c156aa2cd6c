package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"
)

type Error struct {
	Message string `json:"message"`
}

func newError(c echo.Context, err error) error {
	if errors.Is(err, utils.ErrNotFound) {
		return c.JSON(http.StatusNotFound, &Error{Message: err.Error()})
	}

	if errors.Is(err, utils.ErrBadRequest) {
		return c.JSON(http.StatusBadRequest, &Error{Message: err.Error()})
	}

	log.Error(c.Request().URL, err)
	return c.JSON(http.StatusInternalServerError, &Error{Message: err.Error()})
}

// Response of GET /api/v1/execution.
type ExecutionInfo struct {
	store.ExecutionRecord
	Queued      int  `json:"queued"`
	Inflight    int  `json:"inflight"`
	QueueLength int  `json:"queue_length"`
	SlicersDone bool `json:"slicers_done"`
}

// Entry of GET /api/v1/workers.
type WorkerInfo struct {
	ID     string   `json:"id"`
	Idle   bool     `json:"idle"`
	Slices []string `json:"slices,omitempty"`
}

// Response of GET /api/v1/slices.
type SlicesInfo struct {
	Queued   []*protocol.Slice `json:"queued"`
	Inflight []*Assignment     `json:"inflight"`
}

// Message written to /events subscribers.
type FeedEvent struct {
	Topic   string      `json:"topic"`
	Source  string      `json:"source,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// EventFeed relays domain events to websocket subscribers.
type EventFeed struct {
	broadcast *utils.Broadcast[*FeedEvent]
	off       func()
}

func NewEventFeed(bus *events.Bus) *EventFeed {
	feed := &EventFeed{broadcast: utils.NewBroadcast[*FeedEvent](256)}
	feed.off = bus.OnAny(func(e events.Event) {
		if !feed.broadcast.HasConsumer() {
			return
		}
		feed.broadcast.Send(&FeedEvent{Topic: e.Topic, Source: e.Source, Payload: e.Payload, Time: time.Now()})
	})
	return feed
}

func (f *EventFeed) Subscribe() *utils.BroadcastConsumer[*FeedEvent] {
	return f.broadcast.NewConsumer()
}

func (f *EventFeed) Close() {
	f.off()
	f.broadcast.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveEvents(feed *EventFeed, c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer := feed.Subscribe()
	defer consumer.Close()

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-consumer.Chan:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Debugf("Event subscriber went away: %v", err)
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// Register the controller API on r.
func NewHttpHandler(ctrl *Controller, feed *EventFeed, r *echo.Echo) {
	r.GET("/api/v1/execution", func(c echo.Context) error {
		record, err := ctrl.Status(c.Request().Context())
		if err != nil {
			return newError(c, err)
		}

		info := &ExecutionInfo{
			ExecutionRecord: *record,
			Queued:          ctrl.Queue().Len(),
			Inflight:        ctrl.Dispatcher().InflightCount(),
			QueueLength:     ctrl.Engine().QueueLength(),
		}
		select {
		case <-ctrl.Engine().Done():
			info.SlicersDone = true
		default:
		}
		return c.JSON(http.StatusOK, info)
	})

	r.GET("/api/v1/workers", func(c echo.Context) error {
		idle := map[string]bool{}
		for _, id := range ctrl.Registry().Idle() {
			idle[id] = true
		}

		workers := []*WorkerInfo{}
		for _, id := range ctrl.transport.Connected() {
			info := &WorkerInfo{ID: id, Idle: idle[id]}
			for _, a := range ctrl.Dispatcher().HeldBy(id) {
				info.Slices = append(info.Slices, a.Slice.SliceID)
			}
			workers = append(workers, info)
		}
		return c.JSON(http.StatusOK, workers)
	})

	r.GET("/api/v1/slices", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &SlicesInfo{
			Queued:   ctrl.Queue().Slices(),
			Inflight: ctrl.Dispatcher().Inflight(),
		})
	})

	r.GET("/api/v1/slices/:id/analytics", func(c echo.Context) error {
		if ctrl.sliceAnalytics == nil {
			return newError(c, utils.Wrap(utils.ErrNotFound, "slice analytics are not stored"))
		}
		record, err := ctrl.sliceAnalytics.GetSliceAnalytics(c.Request().Context(), ctrl.ExID(), c.Param("id"))
		if err != nil {
			return newError(c, err)
		}
		return c.JSON(http.StatusOK, record)
	})

	r.GET("/api/v1/analytics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, ctrl.Analytics().Snapshot())
	})

	r.GET("/metrics", echo.WrapHandler(ctrl.Metrics().Handler()))

	r.GET("/events", func(c echo.Context) error {
		return serveEvents(feed, c)
	})
}

// Create the echo server serving the controller API.
func NewHttpServer(ctrl *Controller, feed *EventFeed) *echo.Echo {
	r := echo.New()
	r.HideBanner = true
	r.HidePort = true
	r.Use(utils.HttpLogger(log.With("component", "api")))
	NewHttpHandler(ctrl, feed, r)
	return r
}
