package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// DefaultReconnectDelay is the pause between Socket Mode reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// Handler consumes a translated inbound event. Transports call it from its
// own goroutine so a slow task never delays acknowledgements.
type Handler func(ctx context.Context, event chat.Event)

// SocketModeOptions configures a SocketMode client.
type SocketModeOptions struct {
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *log.Logger
}

// SocketMode receives events over a Slack Socket Mode websocket and
// acknowledges each envelope before handing it off.
type SocketMode struct {
	client         *Client
	handler        Handler
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *log.Logger

	wg sync.WaitGroup
}

var errReconnect = errors.New("slack requested reconnect")

// NewSocketMode builds a Socket Mode client on top of a Web API client
// configured with an app-level token.
func NewSocketMode(client *Client, handler Handler, opts SocketModeOptions) (*SocketMode, error) {
	if client == nil {
		return nil, errors.New("slack client is required")
	}
	if client.appToken == "" {
		return nil, errors.New("slack app token is required for socket mode")
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &SocketMode{
		client:         client,
		handler:        handler,
		dialer:         opts.Dialer,
		reconnectDelay: delay,
		logger:         logger.With("component", "socketmode"),
	}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting whenever the
// connection drops or Slack asks for a refresh. Handlers still running when
// Run returns are waited for.
func (s *SocketMode) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("socket mode client is nil")
	}
	defer s.wg.Wait()
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReconnect) {
			continue
		}
		s.logger.Warn("socket mode connection lost", "error", err, "retry_in", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session runs one socketmode.Client until it fails or Slack sends a
// disconnect. Handlers run on ctx so they outlive the connection.
func (s *SocketMode) session(ctx context.Context) error {
	options := []socketmode.Option{
		socketmode.OptionLog(s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel})),
	}
	if s.dialer != nil {
		options = append(options, socketmode.OptionDialer(s.dialer))
	}
	client := socketmode.New(s.client.api, options...)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	refresh := make(chan struct{})
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		s.consume(ctx, sessionCtx, client, refresh, cancel)
	}()

	err := client.RunContext(sessionCtx)
	cancel()
	<-consumed

	select {
	case <-refresh:
		return errReconnect
	default:
	}
	if err == nil {
		err = errors.New("socket mode connection closed")
	}
	return fmt.Errorf("run socket mode: %w", err)
}

func (s *SocketMode) consume(ctx, sessionCtx context.Context, client *socketmode.Client, refresh chan struct{}, cancel context.CancelFunc) {
	for {
		select {
		case <-sessionCtx.Done():
			return
		case evt := <-client.Events:
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				s.logger.Debug("socket mode connecting")
			case socketmode.EventTypeConnected, socketmode.EventTypeHello:
				s.logger.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeDisconnect:
				s.logger.Info("socket mode refresh requested")
				close(refresh)
				cancel()
				return
			}
			if evt.Request != nil && evt.Request.EnvelopeID != "" {
				client.Ack(*evt.Request)
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			payload, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			event, ok := TranslateEvent(payload)
			if !ok {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handler(ctx, event)
			}()
		}
	}
}
