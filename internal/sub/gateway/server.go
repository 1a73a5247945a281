package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"logsub/internal/sub"
	"logsub/internal/validator"
)

const writeTimeout = 10 * time.Second

var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrUnknownOp        = errors.New("unknown operation")
)

type ServerConfig struct {
	Addr         string        `env:"LISTEN_ADDR" envDefault:":7070"`
	SendBuffer   int           `env:"SEND_BUFFER" envDefault:"256"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
}

// Server accepts websocket channels and routes their requests to partitions.
// Partition i of the topic must be partitions[i].
type Server struct {
	config     ServerConfig
	hub        *Hub
	topic      string
	partitions []sub.Partition
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	server     *http.Server
}

func NewServer(config ServerConfig, hub *Hub, partitions []sub.Partition, logger *zap.Logger) (*Server, error) {
	if err := validator.Validate("gateway server", hub, logger); err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, errors.New("gateway server needs at least one partition")
	}
	topic := partitions[0].Topic()
	for i, p := range partitions {
		if p.ID() != int32(i) || p.Topic() != topic {
			return nil, fmt.Errorf("partition %d of %s out of order at index %d", p.ID(), p.Topic(), i)
		}
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}

	s := &Server{
		config:     config,
		hub:        hub,
		topic:      topic,
		partitions: partitions,
		logger:     logger.Named("gateway").With(zap.String("topic", topic)),
	}

	hub.OnDisconnect(func(channelID int64) {
		for _, p := range s.partitions {
			p.OnChannelDisconnect(channelID)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/subscriptions", s.serveSubscriptions)
	s.server = &http.Server{Addr: config.Addr, Handler: mux}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting gateway", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// hijacked websocket connections are not closed by Shutdown
	s.hub.CloseAll()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to gracefully shutdown gateway", zap.Error(err))
		return err
	}
	s.logger.Info("gateway stopped")
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := s.hub.register()
	logger := s.logger.With(zap.Int64("channel", c.id))
	go s.write(wc, c, logger)

	err = s.read(r.Context(), wc, c)
	s.hub.unregister(c)
	if err != nil {
		logger.Warn("channel read failed", zap.Error(err))
	}
}

func (s *Server) read(ctx context.Context, wc *websocket.Conn, c *conn) error {
	for {
		var req Request
		if err := wc.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.enqueue(sub.ErrorFrame(-1, 0, fmt.Errorf("malformed request: %w", err)))
				continue
			}
			if websocket.IsUnexpectedCloseError(err) {
				return nil
			}
			return err
		}
		s.handle(ctx, c, req)
	}
}

func (s *Server) write(wc *websocket.Conn, c *conn, logger *zap.Logger) {
	defer wc.Close()
	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteJSON(f); err != nil {
				logger.Debug("channel write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, c *conn, req Request) {
	f, err := s.dispatch(ctx, c.id, req)
	if err != nil {
		s.logger.Debug("request rejected",
			zap.Int64("channel", c.id),
			zap.String("op", string(req.Op)),
			zap.Int64("request_id", req.RequestID),
			zap.Error(err),
		)
		ef := sub.ErrorFrame(req.partition(), req.RequestID, err)
		f = &ef
	}
	if f != nil && !c.enqueue(*f) {
		s.logger.Warn("response dropped", zap.Int64("channel", c.id), zap.Int64("request_id", req.RequestID))
	}
}

// dispatch runs req. Subscribe and ack answer asynchronously through the
// hub and return no frame.
func (s *Server) dispatch(ctx context.Context, channelID int64, req Request) (*sub.Frame, error) {
	switch req.Op {
	case OpSubscribe:
		p, err := s.partition(req)
		if err != nil {
			return nil, err
		}
		_, err = p.SubmitSubscribe(ctx, channelID, req.RequestID, req.subscriberRecord())
		return nil, err

	case OpAck:
		p, err := s.partition(req)
		if err != nil {
			return nil, err
		}
		_, err = p.SubmitAck(ctx, channelID, req.RequestID, sub.SubscriptionRecord{Name: req.Name, AckPosition: req.AckPosition})
		return nil, err

	case OpClose:
		p, err := s.partition(req)
		if err != nil {
			return nil, err
		}
		if err := p.CloseSubscription(ctx, req.SubscriberKey); err != nil {
			return nil, err
		}
		return &sub.Frame{
			Kind:          sub.FrameResponse,
			RequestID:     req.RequestID,
			PartitionID:   p.ID(),
			SubscriberKey: req.SubscriberKey,
		}, nil

	case OpPublish:
		return s.publish(ctx, req)

	case OpSubscriptions:
		p, err := s.partition(req)
		if err != nil {
			return nil, err
		}
		infos, err := p.Subscriptions(ctx)
		if err != nil {
			return nil, err
		}
		value, err := sub.EncodeValue(infos)
		if err != nil {
			return nil, err
		}
		return &sub.Frame{Kind: sub.FrameResponse, RequestID: req.RequestID, PartitionID: p.ID(), Value: value}, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, req.Op)
	}
}

func (s *Server) publish(ctx context.Context, req Request) (*sub.Frame, error) {
	if err := s.checkTopic(req.TopicName); err != nil {
		return nil, err
	}
	valueType, err := sub.ParseValueType(req.ValueType)
	if err != nil {
		return nil, err
	}
	intent, err := sub.ParseIntent(req.Intent)
	if err != nil {
		return nil, err
	}

	var p sub.Partition
	if req.PartitionID == nil {
		p = s.partitions[s.route(req.Key)]
	} else if p, err = s.partition(req); err != nil {
		return nil, err
	}

	position, err := p.Publish(ctx, req.Key, valueType, intent, req.Value)
	if err != nil {
		return nil, err
	}
	return &sub.Frame{
		Kind:        sub.FrameResponse,
		RequestID:   req.RequestID,
		PartitionID: p.ID(),
		Position:    position,
		Key:         req.Key,
	}, nil
}

// route picks the partition of a record key.
func (s *Server) route(key int64) int {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	return int(xxhash.Sum64(b[:]) % uint64(len(s.partitions)))
}

func (s *Server) partition(req Request) (sub.Partition, error) {
	if err := s.checkTopic(req.TopicName); err != nil {
		return nil, err
	}
	id := req.partition()
	if id < 0 || int(id) >= len(s.partitions) {
		return nil, fmt.Errorf("%w %d of topic %s", ErrUnknownPartition, id, s.topic)
	}
	return s.partitions[id], nil
}

// checkTopic accepts the served topic; an empty name means the same.
func (s *Server) checkTopic(topic string) error {
	if topic != "" && topic != s.topic {
		return fmt.Errorf("%w %s", ErrUnknownTopic, topic)
	}
	return nil
}

func (s *Server) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	out := make(map[int32][]sub.SubscriptionInfo, len(s.partitions))
	for _, p := range s.partitions {
		infos, err := p.Subscriptions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		out[p.ID()] = infos
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
