package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"interestchat/internal/auth"
	clog "interestchat/internal/log"
	"interestchat/internal/metrics"
	"interestchat/internal/pubsub"
	"interestchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20 // 1MB
	sendBufferSize = 256
)

// Relay 处理实时连接上的发送。
type Relay interface {
	SendMessage(ctx context.Context, chatID, senderID uint, draft service.Draft) (*service.MessageView, error)
}

// Viewer 判断用户能否订阅某个聊天。
type Viewer interface {
	CanView(ctx context.Context, chatID, userID uint) error
}

type Options struct {
	// SendRate 是单连接每秒允许的 send 帧数量，突发为其两倍。
	SendRate    float64
	SendTimeout time.Duration
	CheckOrigin func(r *http.Request) bool
}

// Server 把 HTTP 连接升级为 websocket 并驱动帧协议。
type Server struct {
	hub      *Hub
	auth     Authenticator
	relay    Relay
	viewer   Viewer
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, a Authenticator, relay Relay, viewer Viewer, opts Options) *Server {
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = service.DefaultStoreTimeout
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		hub:      hub,
		auth:     a,
		relay:    relay,
		viewer:   viewer,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
	}
}

// Handle 升级连接；身份在连接建立后通过 connect 帧完成绑定。
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &Client{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		session: NewSession(),
		topics:  make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.opts.SendRate), int(2*s.opts.SendRate)+1),
	}
	client.log = clog.Ctx(c.Request.Context()).With().Str(clog.FieldSessionID, client.session.ID).Logger()
	metrics.WsConnections.Inc()

	go client.writePump()
	client.readPump()
}

type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	session   *Session
	topics    map[string]struct{}
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// deliver 非阻塞地放入发送队列，队列已满或连接已关闭时返回 false。
func (c *Client) deliver(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// reply 发送只给本连接的帧。
func (c *Client) reply(b []byte) {
	if !c.deliver(b) {
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		for topic := range c.topics {
			c.server.hub.Unsubscribe(topic, c)
		}
		c.session.Unbind()
		c.close()
		_ = c.conn.Close()
		metrics.WsConnections.Dec()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		select {
		case <-c.done:
			return
		default:
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.reply(errorFrame(CodeBadFrame, "malformed frame"))
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in InboundFrame) {
	switch in.Type {
	case FrameConnect:
		c.handleConnect(in)
	case FrameSubscribe:
		c.handleSubscribe(in)
	case FrameUnsubscribe:
		if _, ok := c.topics[in.Topic]; ok {
			c.server.hub.Unsubscribe(in.Topic, c)
			delete(c.topics, in.Topic)
		}
		c.reply(topicFrame(FrameUnsubscribed, in.Topic))
	case FrameSend:
		c.handleSend(in)
	case FramePing:
		c.reply(encodeFrame(OutboundFrame{Type: FramePong}))
	default:
		c.reply(errorFrame(CodeBadFrame, "unsupported frame type"))
	}
}

func (c *Client) handleConnect(in InboundFrame) {
	if !c.session.Connect() {
		c.reply(errorFrame(service.KindBadRequest.String(), "connection already established"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.opts.SendTimeout)
	defer cancel()
	id, ok := Handshake(ctx, c.server.auth, in.Headers)
	if !ok {
		c.reply(connectedFrame(false, 0, ""))
		return
	}
	c.session.Bind(id)
	c.log = c.log.With().Uint(clog.FieldUserID, id.UserID).Logger()
	c.reply(connectedFrame(true, id.UserID, id.Nickname))
}

func (c *Client) identity() (auth.Identity, bool) {
	id, ok := c.session.Identity()
	if !ok {
		c.reply(errorFrame(service.KindForbidden.String(), "authentication required"))
	}
	return id, ok
}

func (c *Client) handleSubscribe(in InboundFrame) {
	id, ok := c.identity()
	if !ok {
		return
	}
	chatID, err := pubsub.ParseChatTopic(in.Topic)
	if err != nil {
		c.reply(errorFrame(service.KindBadRequest.String(), "unknown topic"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.opts.SendTimeout)
	defer cancel()
	if err := c.server.viewer.CanView(ctx, chatID, id.UserID); err != nil {
		c.reply(serviceErrorFrame(err))
		return
	}
	if _, ok := c.topics[in.Topic]; !ok {
		c.server.hub.Subscribe(in.Topic, c)
		c.topics[in.Topic] = struct{}{}
	}
	c.reply(topicFrame(FrameSubscribed, in.Topic))
}

// handleSend 使用独立的超时 context，连接断开时进行中的发送仍会完成。
func (c *Client) handleSend(in InboundFrame) {
	id, ok := c.identity()
	if !ok {
		return
	}
	if !c.limiter.Allow() {
		c.reply(errorFrame(CodeRateLimited, "too many messages"))
		return
	}
	if in.ChatID == 0 {
		c.reply(errorFrame(service.KindBadRequest.String(), "chat_id is required"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.opts.SendTimeout)
	defer cancel()
	ctx = clog.WithLogger(ctx, c.log)
	if _, err := c.server.relay.SendMessage(ctx, in.ChatID, id.UserID, in.draft()); err != nil {
		if k := service.KindOf(err); k == service.KindTransient || k == service.KindUnknown {
			c.log.Warn().Err(err).Uint(clog.FieldChatID, in.ChatID).Msg("send message")
		}
		c.reply(serviceErrorFrame(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.close()
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
