// Package fanout appends forum messages through one writer per forum and
// delivers them to the live connections allowed to see them.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

var ErrHubClosed = errors.New("fanout: hub closed")

// MessageStore persists messages. AppendMessage must be a single atomic
// insert; the hub never reads a forum back to rewrite it.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg store.Message) (store.Message, error)
	LastMessageAt(ctx context.Context, forumID string) (time.Time, error)
}

// Relay forwards delivered frames to other hub instances.
type Relay interface {
	Publish(ctx context.Context, audience Audience, frame []byte) error
}

// Audience selects the receivers of a frame. All means every identified
// connection; otherwise only connections of the listed users.
type Audience struct {
	All     bool     `json:"all,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}

// Post is one message waiting to be appended to ForumID.
type Post struct {
	ForumID  string
	TeamID   string
	UserID   string
	Text     string
	Audience Audience
}

type Options struct {
	ClientBuffer int
	QueueDepth   int
	// AppendTimeout bounds each store call made by a forum writer.
	AppendTimeout time.Duration
	Logger        *log.Logger
	Now           func() time.Time
}

type Hub struct {
	store         MessageStore
	log           *log.Logger
	now           func() time.Time
	buffer        int
	depth         int
	appendTimeout time.Duration

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	byUser map[string]map[*Conn]struct{}
	relay  Relay

	qmu    sync.Mutex
	queues map[string]*forumQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type forumQueue struct {
	forumID string
	in      chan *appendRequest
	last    time.Time
	loaded  bool
}

const (
	requestQueued int32 = iota
	requestTaken
	requestAbandoned
)

// appendRequest is owned by the caller while queued. Once the writer takes
// it, the writer decides the outcome and always replies.
type appendRequest struct {
	post  Post
	state atomic.Int32
	reply chan appendResult
}

func (r *appendRequest) take() bool {
	return r.state.CompareAndSwap(requestQueued, requestTaken)
}

func (r *appendRequest) abandon() bool {
	return r.state.CompareAndSwap(requestQueued, requestAbandoned)
}

type appendResult struct {
	msg store.Message
	err error
}

func NewHub(messages MessageStore, opts Options) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:         messages,
		log:           opts.Logger.WithPrefix("fanout"),
		now:           opts.Now,
		buffer:        opts.ClientBuffer,
		depth:         opts.QueueDepth,
		appendTimeout: opts.AppendTimeout,
		conns:         make(map[*Conn]struct{}),
		byUser:        make(map[string]map[*Conn]struct{}),
		queues:        make(map[string]*forumQueue),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Connect registers a connection. It starts Identified when the principal
// carries a user id and Connected otherwise. A hello frame is queued first.
func (h *Hub) Connect(p Principal) *Conn {
	c := newConn(util.NewID("conn"), p, h.buffer)
	c.offer(Encode(helloFrame(p)))

	h.mu.Lock()
	h.conns[c] = struct{}{}
	if p.UserID != "" {
		set := h.byUser[p.UserID]
		if set == nil {
			set = make(map[*Conn]struct{})
			h.byUser[p.UserID] = set
		}
		set[c] = struct{}{}
	}
	h.mu.Unlock()

	h.log.Debug("connection opened", "conn_id", c.id, "user_id", p.UserID, "state", c.State())
	return c
}

// Disconnect moves the connection to Closed. Closing twice is harmless.
func (h *Hub) Disconnect(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	delete(h.conns, c)
	if set := h.byUser[c.principal.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.principal.UserID)
		}
	}
	h.mu.Unlock()
	c.close()
	h.log.Debug("connection closed", "conn_id", c.id, "user_id", c.principal.UserID, "dropped", c.Dropped())
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Reply queues a frame for a single connection.
func (h *Hub) Reply(c *Conn, out Outbound) bool {
	if c.offer(Encode(out)) {
		return true
	}
	if c.State() != StateClosed {
		h.log.Warn("dropping reply for slow client", "conn_id", c.id, "user_id", c.principal.UserID, "type", out.Type)
	}
	return false
}

// Publish appends post through its forum's writer and, once stored, delivers
// it to the audience. Posts to one forum are appended and delivered in the
// order they were admitted; the timestamp never goes backwards within a forum.
//
// ctx only limits how long the post may wait in the queue. Once the writer
// has picked it up, Publish reports what the writer did: a stored message is
// never reported as a failure.
func (h *Hub) Publish(ctx context.Context, post Post) (store.Message, error) {
	if post.ForumID == "" {
		return store.Message{}, fmt.Errorf("fanout: publish without forum")
	}
	q, err := h.queue(post.ForumID)
	if err != nil {
		return store.Message{}, err
	}

	req := &appendRequest{post: post, reply: make(chan appendResult, 1)}
	select {
	case q.in <- req:
	case <-ctx.Done():
		return store.Message{}, ctx.Err()
	case <-h.ctx.Done():
		return store.Message{}, ErrHubClosed
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		if req.abandon() {
			return store.Message{}, ctx.Err()
		}
	case <-h.ctx.Done():
		if req.abandon() {
			return store.Message{}, ErrHubClosed
		}
	}
	res := <-req.reply
	return res.msg, res.err
}

func (h *Hub) queue(forumID string) (*forumQueue, error) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if h.ctx.Err() != nil {
		return nil, ErrHubClosed
	}
	q, ok := h.queues[forumID]
	if !ok {
		q = &forumQueue{forumID: forumID, in: make(chan *appendRequest, h.depth)}
		h.queues[forumID] = q
		h.wg.Add(1)
		go h.runQueue(q)
	}
	return q, nil
}

func (h *Hub) runQueue(q *forumQueue) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-q.in:
			if !req.take() {
				continue
			}
			msg, err := h.appendOne(q, req)
			req.reply <- appendResult{msg: msg, err: err}
		}
	}
}

func (h *Hub) appendOne(q *forumQueue, req *appendRequest) (store.Message, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.appendTimeout)
	defer cancel()
	if !q.loaded {
		last, err := h.store.LastMessageAt(ctx, q.forumID)
		if err != nil {
			return store.Message{}, err
		}
		q.last, q.loaded = last, true
	}

	sentAt := h.now().UTC()
	if sentAt.Before(q.last) {
		sentAt = q.last
	}

	msg, err := h.store.AppendMessage(ctx, store.Message{
		ForumID: q.forumID,
		Text:    req.post.Text,
		SentAt:  sentAt,
		UserID:  req.post.UserID,
	})
	if err != nil {
		return store.Message{}, err
	}
	q.last = sentAt

	frame := Encode(MessageFrame(req.post.TeamID, msg))
	h.DeliverLocal(req.post.Audience, frame)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(h.ctx, req.post.Audience, frame); err != nil {
			h.log.Error("relay publish failed", "forum_id", q.forumID, "message_id", msg.ID, "err", err)
		}
	}
	return msg, nil
}

// DeliverLocal hands frame to every local connection in audience and returns
// how many accepted it. Slow clients are skipped and logged.
func (h *Hub) DeliverLocal(audience Audience, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	deliver := func(c *Conn) {
		if !c.Identified() {
			return
		}
		if c.offer(frame) {
			delivered++
			return
		}
		h.log.Warn("dropping frame for slow client", "conn_id", c.id, "user_id", c.principal.UserID, "dropped", c.Dropped())
	}

	if audience.All {
		for c := range h.conns {
			deliver(c)
		}
		return delivered
	}
	seen := make(map[string]struct{}, len(audience.UserIDs))
	for _, userID := range audience.UserIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for c := range h.byUser[userID] {
			deliver(c)
		}
	}
	return delivered
}

// Close stops every forum writer and closes all connections.
func (h *Hub) Close() {
	h.qmu.Lock()
	h.cancel()
	h.qmu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.byUser = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
