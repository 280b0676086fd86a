package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

const defaultStreamURL = "wss://stream.data.alpaca.markets/v2/iex"

// Reader subscribes to the Alpaca stock quote stream and forwards the
// normalized quotes into the raw channel. It speaks the v2 websocket
// protocol directly: connect, authenticate, subscribe, then a stream of
// JSON arrays. If the connection drops it is re-established automatically
// until the context is cancelled.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string

	key    string
	secret string
}

// NewReader creates a quote stream reader for the configured symbols.
func NewReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  symbols,
		key:      os.Getenv("ALPACA_PAPER_KEY"),
		secret:   os.Getenv("ALPACA_PAPER_SECRET"),
	}
}

// Start validates credentials and launches the stream worker.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("alpaca reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("alpaca_reader").WithFields(logger.Fields{"operation": "start"})

	if r.key == "" || r.secret == "" {
		return fmt.Errorf("ALPACA_PAPER_KEY and ALPACA_PAPER_SECRET must be set for the alpaca feed")
	}
	if len(r.symbols) == 0 {
		return fmt.Errorf("no symbols configured for the alpaca feed")
	}

	url := r.config.Feed.URL
	if url == "" {
		url = defaultStreamURL
	}

	log.WithFields(logger.Fields{"url": url, "symbols": r.symbols}).Info("starting alpaca quote reader")
	r.wg.Add(1)
	go r.stream(url)
	log.Info("alpaca quote reader started successfully")
	return nil
}

// Stop terminates the websocket subscription and waits for the worker to
// finish.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("alpaca_reader").Info("stopping alpaca reader")
	r.wg.Wait()
	r.log.WithComponent("alpaca_reader").Info("alpaca reader stopped")
}

// stream handles websocket lifecycle, reconnection and forwarding of quotes.
func (r *Reader) stream(url string) {
	defer r.wg.Done()
	log := r.log.WithComponent("alpaca_reader").WithFields(logger.Fields{"worker": "quote_stream"})

	delay := r.config.Feed.ReconnectDelay()
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		if err := r.handshake(conn); err != nil {
			log.WithError(err).Warn("stream handshake failed, reconnecting")
			conn.Close()
			select {
			case <-time.After(delay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		log.Info("alpaca stream subscribed")

		for {
			if r.ctx.Err() != nil {
				conn.Close()
				return
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				log.WithError(err).Warn("websocket read error, reconnecting")
				break
			}
			r.processMessage(msg)
		}

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
	}
}

// handshake authenticates and subscribes on a fresh connection. The server
// confirms each step with a control array; anything else is a protocol
// error and forces a reconnect.
func (r *Reader) handshake(conn *websocket.Conn) error {
	if err := expectControl(conn, "connected"); err != nil {
		return err
	}

	auth := map[string]string{"action": "auth", "key": r.key, "secret": r.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}
	if err := expectControl(conn, "authenticated"); err != nil {
		return err
	}

	sub := map[string]interface{}{"action": "subscribe", "quotes": r.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func expectControl(conn *websocket.Conn, want string) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read control message: %w", err)
	}

	var events []struct {
		Type string `json:"T"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(msg, &events); err != nil {
		return fmt.Errorf("failed to decode control message: %w", err)
	}
	for _, evt := range events {
		if evt.Type == "error" {
			return fmt.Errorf("stream error: %s", evt.Msg)
		}
		if evt.Type == "success" && evt.Msg == want {
			return nil
		}
	}
	return fmt.Errorf("expected %q confirmation, got %s", want, msg)
}

// quoteEvent is a "T":"q" element of the stream's JSON array frames.
type quoteEvent struct {
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	BidSize   int64     `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   int64     `json:"as"`
	Timestamp time.Time `json:"t"`
}

// processMessage decodes one stream frame. Each element is typed only after
// its "T" tag has been inspected: non-quote events reuse tag names with other
// value types (a trade's "s" is a number while a quote's "S" is the symbol,
// and encoding/json matches keys case-insensitively), so decoding the whole
// frame into quote events would reject frames that mix event types.
func (r *Reader) processMessage(msg []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		r.log.WithComponent("alpaca_reader").WithError(err).Debug("failed to decode message")
		return
	}

	for _, elem := range raw {
		var tag struct {
			Type string `json:"T"`
		}
		if err := json.Unmarshal(elem, &tag); err != nil || tag.Type != "q" {
			continue
		}

		var evt quoteEvent
		if err := json.Unmarshal(elem, &evt); err != nil {
			r.log.WithComponent("alpaca_reader").WithError(err).Debug("failed to decode quote event")
			continue
		}
		r.forward(models.Quote{
			Symbol:    evt.Symbol,
			BidPrice:  evt.BidPrice,
			BidSize:   evt.BidSize,
			AskPrice:  evt.AskPrice,
			AskSize:   evt.AskSize,
			Timestamp: evt.Timestamp,
		}, len(msg))
	}
}

func (r *Reader) forward(q models.Quote, size int) {
	if r.channels.SendRaw(r.ctx, q) {
		logger.IncrementFeedRead(size)
	} else if r.ctx.Err() != nil {
		return
	} else {
		r.log.WithComponent("alpaca_reader").Warn("raw channel full, dropping quote")
	}
}
