package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// approxSlotDuration is Solana's nominal target slot time. It is only used
// to translate a slot-count delta into a wall-clock hold duration; a real
// deployment can tune it, but the default is close enough for a preflight
// hold measured in hundreds of milliseconds.
const approxSlotDuration = 400 * time.Millisecond

// WSSlotSource is the production leader.Source: it tracks the chain's
// current slot over a websocket slotSubscribe feed and periodically pulls
// the target validator's leader schedule over RPC, so HoldDuration can be
// computed against real upcoming leader windows instead of a stub.
//
// Grounded on trading/websocket.go's WSClient: DialContext, a ping-driven
// keepAlive loop, and a reconnect loop that re-subscribes on drop. The
// per-reconnect-attempt rate limiter reuses that file's apiLimiter idiom
// (rate.NewLimiter guarding the dial itself, separate from any send-path
// limiter).
type WSSlotSource struct {
	wsURL     string
	rpcClient *rpc.Client
	validator solana.PublicKey
	log       zerolog.Logger

	reconnectDelay time.Duration
	dialLimiter    *rate.Limiter

	mu                  sync.RWMutex
	conn                *websocket.Conn
	connected           bool
	currentSlot         uint64
	epochStartAbsSlot   uint64
	leaderSlotsAbsolute []uint64

	closeCh chan struct{}
}

func NewWSSlotSource(wsURL string, rpcClient *rpc.Client, validator solana.PublicKey, log zerolog.Logger) *WSSlotSource {
	return &WSSlotSource{
		wsURL:          wsURL,
		rpcClient:      rpcClient,
		validator:      validator,
		log:            log,
		reconnectDelay: 5 * time.Second,
		dialLimiter:    rate.NewLimiter(rate.Limit(1), 1),
		closeCh:        make(chan struct{}),
	}
}

// Start dials the slot-subscription feed, fetches the current leader
// schedule, and keeps both refreshed in the background until ctx is done or
// Stop is called.
func (s *WSSlotSource) Start(ctx context.Context) error {
	if err := s.refreshSchedule(ctx); err != nil {
		return fmt.Errorf("leader: initial schedule fetch: %w", err)
	}
	if err := s.connect(ctx); err != nil {
		return fmt.Errorf("leader: websocket connect: %w", err)
	}
	go s.keepAlive()
	return nil
}

func (s *WSSlotSource) Stop() {
	close(s.closeCh)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *WSSlotSource) connect(ctx context.Context) error {
	if err := s.dialLimiter.Wait(ctx); err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "slotSubscribe", "params": []any{}}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return fmt.Errorf("leader: slotSubscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *WSSlotSource) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		var msg struct {
			Params struct {
				Result struct {
					Slot uint64 `json:"slot"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			s.log.Warn().Err(err).Msg("leader: slot feed read error, reconnecting")
			go s.reconnect()
			return
		}
		if msg.Params.Result.Slot == 0 {
			continue
		}
		s.mu.Lock()
		s.currentSlot = msg.Params.Result.Slot
		s.mu.Unlock()
	}
}

func (s *WSSlotSource) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	scheduleTicker := time.NewTicker(10 * time.Minute)
	defer scheduleTicker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-scheduleTicker.C:
			if err := s.refreshSchedule(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("leader: schedule refresh failed")
			}
		case <-ticker.C:
			s.mu.Lock()
			conn, connected := s.conn, s.connected
			s.mu.Unlock()
			if !connected {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Warn().Err(err).Msg("leader: ping failed, reconnecting")
				s.mu.Lock()
				s.connected = false
				s.mu.Unlock()
				go s.reconnect()
			}
		}
	}
}

func (s *WSSlotSource) reconnect() {
	for {
		select {
		case <-s.closeCh:
			return
		case <-time.After(s.reconnectDelay):
			if err := s.connect(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("leader: reconnect failed")
				continue
			}
			s.log.Info().Msg("leader: slot feed reconnected")
			return
		}
	}
}

// refreshSchedule pulls the current epoch's leader schedule for the target
// validator and converts its epoch-relative slot indices into absolute slot
// numbers, which is what NextLeaderWindow compares against currentSlot.
func (s *WSSlotSource) refreshSchedule(ctx context.Context) error {
	epochInfo, err := s.rpcClient.GetEpochInfo(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("get epoch info: %w", err)
	}
	epochStartAbsSlot := epochInfo.AbsoluteSlot - epochInfo.SlotIndex

	schedule, err := s.rpcClient.GetLeaderSchedule(ctx)
	if err != nil {
		return fmt.Errorf("get leader schedule: %w", err)
	}
	indices := schedule[s.validator]

	s.mu.Lock()
	s.epochStartAbsSlot = epochStartAbsSlot
	s.currentSlot = epochInfo.AbsoluteSlot
	s.leaderSlotsAbsolute = s.leaderSlotsAbsolute[:0]
	for _, idx := range indices {
		s.leaderSlotsAbsolute = append(s.leaderSlotsAbsolute, epochStartAbsSlot+idx)
	}
	s.mu.Unlock()
	return nil
}

// NextLeaderWindow implements leader.Source: it returns the estimated
// wall-clock start of the validator's next leader slot in the cached
// schedule, translating the slot delta through approxSlotDuration.
func (s *WSSlotSource) NextLeaderWindow(now time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, abs := range s.leaderSlotsAbsolute {
		if abs > s.currentSlot {
			delta := abs - s.currentSlot
			return now.Add(time.Duration(delta) * approxSlotDuration), true
		}
	}
	return time.Time{}, false
}
