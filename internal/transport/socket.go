package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zhengxin-client/internal/auth"
)

const (
	// Время, разрешенное для записи сообщения серверу.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong от сервера.
	pongWait = 60 * time.Second
	// Период отправки пингов. Должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер кадра от сервера (фрагменты контента бывают крупными).
	maxMessageSize = 1024 * 1024

	// Базовая задержка реконнекта; растет экспоненциально до MaxReconnectDelay.
	reconnectBaseDelay = time.Second
)

// ErrSocketClosed возвращается при попытке использовать закрытый сокет.
var ErrSocketClosed = errors.New("socket is closed")

type socketState int

const (
	stateDisconnected socketState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Handler получает сырой payload события.
type Handler func(data json.RawMessage)

// Subscription — дескриптор подписки. Off по дескриптору снимает ровно
// эту подписку, не задевая соседних слушателей того же события.
type Subscription struct {
	event string
	id    uint64
}

// Options — настройки сокета.
type Options struct {
	URL               string
	MaxReconnectDelay time.Duration
	Tokens            auth.TokenSource
	Logger            zerolog.Logger
}

// Socket — одно разделяемое WebSocket соединение процесса с комнатным
// pub/sub протоколом. Connect идемпотентен, комнаты считаются по ссылкам,
// после реконнекта активные комнаты переприсоединяются автоматически.
type Socket struct {
	url      string
	maxDelay time.Duration
	tokens   auth.TokenSource
	logger   zerolog.Logger
	clientID string

	mu        sync.Mutex
	state     socketState
	conn      *websocket.Conn
	epochDone chan struct{}
	rooms     map[string]int                // комната -> счетчик ссылок
	subs      map[string]map[uint64]Handler // событие -> id -> обработчик
	nextSubID uint64
	send      chan []byte
	ctx       context.Context
}

// NewSocket создает сокет. Соединение не устанавливается до Connect.
func NewSocket(opts Options) *Socket {
	maxDelay := opts.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Socket{
		url:      opts.URL,
		maxDelay: maxDelay,
		tokens:   opts.Tokens,
		logger:   opts.Logger.With().Str("component", "Socket").Logger(),
		clientID: uuid.NewString(),
		state:    stateDisconnected,
		rooms:    make(map[string]int),
		subs:     make(map[string]map[uint64]Handler),
		send:     make(chan []byte, 256),
	}
}

// Connect устанавливает соединение. Идемпотентен: повторный вызов при живом
// или устанавливаемом соединении ничего не делает. При неудаче возвращает
// ошибку (вызывающий может деградировать до REST-опроса) и продолжает
// попытки в фоне, сообщая о них событиями reconnect_attempt/reconnected.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrSocketClosed
	case stateConnected, stateConnecting:
		s.mu.Unlock()
		return nil
	}
	s.state = stateConnecting
	s.ctx = ctx
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = stateDisconnected
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("Initial connect failed, retrying in background")
		s.emitLocal(EventDisconnected, nil)
		go s.reconnectLoop()
		return err
	}

	s.attach(conn)
	s.emitLocal(EventConnected, nil)
	return nil
}

// Close закрывает сокет навсегда. Предназначен для завершения процесса,
// наблюдатели отдельных проектов должны использовать LeaveRoom.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	conn := s.conn
	s.conn = nil
	if s.epochDone != nil {
		close(s.epochDone)
		s.epochDone = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info().Msg("Socket closed")
}

// JoinRoom увеличивает счетчик ссылок комнаты и присоединяется к ней при
// первом интересе. Вызов до подтверждения соединения безопасен: комната
// будет присоединена при подключении.
func (s *Socket) JoinRoom(room string) {
	s.mu.Lock()
	s.rooms[room]++
	first := s.rooms[room] == 1
	connected := s.state == stateConnected
	s.mu.Unlock()

	if first && connected {
		s.enqueueFrame(clientFrame{Action: "join", Room: room, ClientID: s.clientID})
	}
	s.logger.Debug().Str("room", room).Bool("first", first).Msg("JoinRoom")
}

// LeaveRoom уменьшает счетчик ссылок и покидает комнату только когда
// интерес пропал у всех подписчиков.
func (s *Socket) LeaveRoom(room string) {
	s.mu.Lock()
	count, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	count--
	last := count <= 0
	if last {
		delete(s.rooms, room)
	} else {
		s.rooms[room] = count
	}
	connected := s.state == stateConnected
	s.mu.Unlock()

	if last && connected {
		s.enqueueFrame(clientFrame{Action: "leave", Room: room, ClientID: s.clientID})
	}
	s.logger.Debug().Str("room", room).Bool("last", last).Msg("LeaveRoom")
}

// On регистрирует обработчик события и возвращает дескриптор подписки.
func (s *Socket) On(event string, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	if s.subs[event] == nil {
		s.subs[event] = make(map[uint64]Handler)
	}
	s.subs[event][id] = h
	return &Subscription{event: event, id: id}
}

// Off снимает ровно одну подписку по дескриптору.
func (s *Socket) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if handlers, ok := s.subs[sub.event]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(s.subs, sub.event)
		}
	}
}

// dial выполняет один dial с bearer-токеном в заголовке.
func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	return conn, err
}

// attach переводит сокет в connected, запускает насосы чтения/записи
// и переприсоединяет все комнаты со счетчиком > 0.
func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.state = stateConnected
	s.conn = conn
	done := make(chan struct{})
	s.epochDone = done
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	for _, room := range rooms {
		s.enqueueFrame(clientFrame{Action: "join", Room: room, ClientID: s.clientID})
	}

	go s.writePump(conn, done)
	go s.readPump(conn)
	s.logger.Info().Int("rooms", len(rooms)).Msg("WebSocket connection established")
}

// reconnectLoop пытается восстановить соединение с экспоненциальной
// задержкой и джиттером, пока не получится или сокет не закроют.
func (s *Socket) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		delay := time.Duration(float64(reconnectBaseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
		delay += time.Duration(rand.Int63n(int64(reconnectBaseDelay)))

		ctx := s.lifetimeContext()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		if s.state != stateDisconnected {
			s.mu.Unlock()
			return
		}
		s.state = stateConnecting
		s.mu.Unlock()

		s.emitLocal(EventReconnectAttempt, ReconnectPayload{Attempt: attempt})
		s.logger.Info().Int("attempt", attempt).Msg("Reconnecting")

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			s.mu.Lock()
			if s.state == stateConnecting {
				s.state = stateDisconnected
			} else {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}

		s.attach(conn)
		s.emitLocal(EventReconnected, ReconnectPayload{Attempt: attempt})
		return
	}
}

func (s *Socket) lifetimeContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// handleDisconnect обрабатывает потерю соединения конкретной эпохи.
func (s *Socket) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// Устаревшая эпоха, реконнект уже идет или произошел
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.epochDone != nil {
		close(s.epochDone)
		s.epochDone = nil
	}
	closed := s.state == stateClosed
	if !closed {
		s.state = stateDisconnected
	}
	s.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}

	s.logger.Warn().Msg("WebSocket connection lost")
	s.emitLocal(EventDisconnected, nil)
	go s.reconnectLoop()
}

// readPump читает кадры сервера и раздает их подписчикам.
func (s *Socket) readPump(conn *websocket.Conn) {
	defer s.handleDisconnect(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed frame dropped")
			continue
		}
		if env.Event == "" {
			continue
		}
		s.dispatch(env.Event, env.Data)
	}
}

// writePump откачивает исходящие кадры и поддерживает ping/pong.
func (s *Socket) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to send ping")
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Socket) enqueueFrame(frame clientFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal client frame")
		return
	}
	select {
	case s.send <- payload:
	default:
		s.logger.Warn().Str("action", frame.Action).Str("room", frame.Room).Msg("Send queue full, frame dropped")
	}
}

// emitLocal доставляет локальное событие жизненного цикла подписчикам.
func (s *Socket) emitLocal(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal local event")
			return
		}
		raw = data
	}
	s.dispatch(event, raw)
}

// dispatch вызывает обработчиков события вне мьютекса. Паника одного
// обработчика не мешает остальным.
func (s *Socket) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[event]))
	for _, h := range s.subs[event] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Str("event", event).Msg("Event handler panicked")
				}
			}()
			h(data)
		}()
	}
}
