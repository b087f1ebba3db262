package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Handler consumes parsed firehose events. HandleEvent must not block for
// long; heavy work belongs in the batched flush path.
type Handler interface {
	// HandleEvent processes one event. Errors are logged and the stream
	// continues.
	HandleEvent(ctx context.Context, event *Event) error

	// Cursor returns the microsecond timestamp ingestion should resume from,
	// or 0 to start live.
	Cursor(ctx context.Context) (int64, error)

	// WantedDids returns the tracked-DID filter pushed to Jetstream after
	// connect. URL length limits forbid inlining it in the subscribe URL.
	WantedDids() []string
}

// optionsUpdate is the Jetstream post-connect control message used to supply
// the author filter out-of-band.
type optionsUpdate struct {
	Type    string               `json:"type"`
	Payload optionsUpdatePayload `json:"payload"`
}

type optionsUpdatePayload struct {
	WantedCollections   []string `json:"wantedCollections"`
	WantedDids          []string `json:"wantedDids"`
	MaxMessageSizeBytes int      `json:"maxMessageSizeBytes"`
}

// Subscriber connects to the Jetstream firehose and feeds events to a
// Handler, reconnecting on transient errors and resuming from the stored
// cursor.
type Subscriber struct {
	url            string
	handler        Handler
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	optionsCh chan []string // non-nil while a connection is live
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, handler Handler, reconnectDelay time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:            firehoseURL,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.reconnectDelay):
				}
			}
		}
	}
}

// UpdateWantedDids pushes a fresh tracked-DID filter onto the live
// connection, if any. Called when the tracked sets are refreshed.
func (s *Subscriber) UpdateWantedDids(dids []string) {
	s.mu.Lock()
	ch := s.optionsCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- dids:
	default:
		// a previous update is still queued; replace it so the writer
		// sends the freshest set
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- dids:
		default:
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.handler.Cursor(ctx)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL := s.buildURL(cursor)
	s.logger.Info("connecting to firehose", "url", s.url, "cursor", cursor)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	optionsCh := make(chan []string, 1)
	s.mu.Lock()
	s.optionsCh = optionsCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.optionsCh = nil
		s.mu.Unlock()
	}()

	// Writer goroutine: the initial options_update plus any refreshes. All
	// writes to the socket go through here; gorilla allows one writer.
	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	go func() {
		s.writeOptions(conn, s.handler.WantedDids())
		for {
			select {
			case <-writerCtx.Done():
				return
			case dids := <-optionsCh:
				s.writeOptions(conn, dids)
			}
		}
	}()

	s.logger.Info("connected to firehose")

	var eventsReceived, opsHandled int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		if event.Op != nil {
			opsHandled++
		}

		if err := s.handler.HandleEvent(ctx, event); err != nil {
			s.logger.Error("failed to handle event", "error", err)
		}

		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"ops_handled", opsHandled,
			)
			lastStatsLog = time.Now()
		}
	}
}

func (s *Subscriber) writeOptions(conn *websocket.Conn, dids []string) {
	msg := optionsUpdate{
		Type: "options_update",
		Payload: optionsUpdatePayload{
			WantedCollections:   wantedCollections,
			WantedDids:          dids,
			MaxMessageSizeBytes: 0,
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal options update", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Error("failed to send options update", "error", err)
		return
	}
	s.logger.Info("sent options update", "wanted_dids", len(dids))
}
