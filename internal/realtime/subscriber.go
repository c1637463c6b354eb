// Package realtime maintains a WebSocket subscription to the server's
// change feed and folds incoming changes into the local mirror.
//
// The subscriber doubles as the connectivity signal: a live feed means the
// server is reachable, a dropped one means work offline until the
// reconnect loop gets through again.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/transport"
)

// Applier receives server-side changes. Satisfied by the sync engine.
type Applier interface {
	ApplyRemote(ctx context.Context, rm *transport.Remote) (bool, error)
}

// change is the wire shape of one feed message.
type change struct {
	Type      farm.Type       `json:"record_type"`
	ID        string          `json:"record_id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Config holds subscriber configuration.
type Config struct {
	// URL is the change feed endpoint, e.g. wss://host/api/changes.
	URL string

	// APIKey is sent as a bearer token on the upgrade request.
	APIKey string

	// ReconnectBase is the initial reconnect delay. Default: 1s.
	ReconnectBase time.Duration

	// ReconnectMax caps the reconnect delay. Default: 1m.
	ReconnectMax time.Duration

	// Logger for subscriber activity (default: stderr logger)
	Logger *log.Logger
}

// Subscriber owns the feed connection and its reconnect loop.
type Subscriber struct {
	url     string
	apiKey  string
	base    time.Duration
	max     time.Duration
	applier Applier
	logger  *log.Logger

	mu      sync.RWMutex
	online  bool
	changes chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriber creates a feed subscriber. Changes are handed to applier as
// they arrive.
func NewSubscriber(cfg Config, applier Applier) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		base:    cfg.ReconnectBase,
		max:     cfg.ReconnectMax,
		applier: applier,
		logger:  cfg.Logger,
		changes: make(chan bool, 8),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the connect loop.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop tears down the connection and waits for the loop to exit.
func (s *Subscriber) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Online reports whether the feed is currently connected.
func (s *Subscriber) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Changes emits a value on every connectivity transition.
func (s *Subscriber) Changes() <-chan bool {
	return s.changes
}

// run dials, reads until the connection drops, and redials with
// exponential backoff until Stop.
func (s *Subscriber) run() {
	defer s.wg.Done()
	defer close(s.changes)

	delay := s.base
	for {
		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Printf("Feed connect failed, retrying in %s: %v", delay, err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.max {
				delay = s.max
			}
			continue
		}

		delay = s.base
		s.setOnline(true)
		s.logger.Printf("Feed connected: %s", s.url)

		err = s.readLoop(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.setOnline(false)

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Printf("Feed disconnected: %v", err)
	}
}

func (s *Subscriber) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if s.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + s.apiKey},
		}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	return conn, nil
}

// readLoop decodes feed messages until the connection fails.
func (s *Subscriber) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}

		var ch change
		if err := json.Unmarshal(data, &ch); err != nil {
			s.logger.Printf("Warning: malformed feed message, skipping: %v", err)
			continue
		}
		if ch.Type == "" || ch.ID == "" {
			continue
		}

		applied, err := s.applier.ApplyRemote(s.ctx, &transport.Remote{
			Type:      ch.Type,
			ID:        ch.ID,
			Version:   ch.Version,
			UpdatedAt: ch.UpdatedAt,
			Payload:   ch.Payload,
			Deleted:   ch.Deleted,
		})
		if err != nil {
			s.logger.Printf("Warning: failed to apply change %s %s: %v", ch.Type, ch.ID, err)
			continue
		}
		if applied {
			s.logger.Printf("Applied remote change: %s %s v%d", ch.Type, ch.ID, ch.Version)
		}
	}
}

// setOnline flips the connectivity flag and notifies listeners of the
// transition.
func (s *Subscriber) setOnline(v bool) {
	s.mu.Lock()
	was := s.online
	s.online = v
	s.mu.Unlock()

	if was == v {
		return
	}
	// Single producer: when the consumer lags, drop a stale transition to
	// make room so the latest state is always delivered.
	for {
		select {
		case s.changes <- v:
			return
		default:
		}
		select {
		case <-s.changes:
		default:
		}
	}
}
