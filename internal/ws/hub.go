package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"interestchat/internal/metrics"
)

// Hub 管理 topic 级别的子 Hub，实现延迟创建与并发安全。
// 实现 pubsub.Publisher，单节点部署时直接作为消息推送的出口。
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*TopicHub
}

func NewHub() *Hub { return &Hub{topics: make(map[string]*TopicHub)} }

// Topic 若 topic 未初始化则懒加载一个 TopicHub。
func (h *Hub) Topic(name string) *TopicHub {
	h.mu.RLock()
	th := h.topics[name]
	h.mu.RUnlock()
	if th != nil {
		return th
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	th = h.topics[name]
	if th != nil {
		return th
	}
	th = newTopicHub(h, name)
	h.topics[name] = th
	go th.run()
	return th
}

func (h *Hub) lookup(name string) *TopicHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[name]
}

// release 在最后一个订阅者离开后移除 TopicHub。
func (h *Hub) release(th *TopicHub) {
	h.mu.Lock()
	if h.topics[th.name] == th {
		delete(h.topics, th.name)
	}
	h.mu.Unlock()
}

// Subscribe 把 client 注册到 topic；遇到正在退出的 TopicHub 时重试。
func (h *Hub) Subscribe(topic string, c *Client) {
	for {
		th := h.Topic(topic)
		select {
		case th.register <- c:
			return
		case <-th.done:
		}
	}
}

func (h *Hub) Unsubscribe(topic string, c *Client) {
	th := h.lookup(topic)
	if th == nil {
		return
	}
	select {
	case th.unregister <- c:
	case <-th.done:
	}
}

// Publish 把 payload 按序投递给 topic 的所有订阅者；没有订阅者时直接丢弃。
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	th := h.lookup(topic)
	if th == nil {
		return nil
	}
	select {
	case th.broadcast <- payload:
		return nil
	case <-th.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver 供跨节点传输回调使用。
func (h *Hub) Deliver(topic string, payload []byte) {
	_ = h.Publish(context.Background(), topic, payload)
}

func (h *Hub) Online(topic string) int {
	th := h.lookup(topic)
	if th == nil {
		return 0
	}
	return th.Online()
}

type TopicHub struct {
	hub        *Hub
	name       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	online     int32
}

func newTopicHub(h *Hub, name string) *TopicHub {
	return &TopicHub{
		hub:        h,
		name:       name,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (th *TopicHub) run() {
	defer close(th.done)
	for {
		select {
		case c := <-th.register:
			if !th.clients[c] {
				th.clients[c] = true
				metrics.WsSubscriptions.Inc()
			}
			th.sync()
		case c := <-th.unregister:
			if th.clients[c] {
				th.drop(c)
			}
			if th.idle() {
				return
			}
		case msg := <-th.broadcast:
			for c := range th.clients {
				// 慢消费者直接断开，不阻塞整个 topic。
				if !c.deliver(msg) {
					th.drop(c)
					c.close()
				}
			}
			if th.idle() {
				return
			}
		}
	}
}

func (th *TopicHub) drop(c *Client) {
	delete(th.clients, c)
	metrics.WsSubscriptions.Dec()
	th.sync()
}

func (th *TopicHub) sync() {
	atomic.StoreInt32(&th.online, int32(len(th.clients)))
}

// idle 在没有订阅者时把自己从 Hub 中摘除。
func (th *TopicHub) idle() bool {
	if len(th.clients) > 0 {
		return false
	}
	th.hub.release(th)
	return true
}

// Online 返回 topic 当前订阅者数量。
func (th *TopicHub) Online() int { return int(atomic.LoadInt32(&th.online)) }
