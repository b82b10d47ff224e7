package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notification-backend/internal/domain"
	"github.com/tbourn/go-notification-backend/internal/realtime"
)

// ErrStarted is returned by Start on a running controller.
var ErrStarted = errors.New("clientsync: controller already started")

// API is the slice of the REST surface the controller needs. *Client
// satisfies it.
type API interface {
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Recent(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// Pusher delivers gateway frames. *PushClient satisfies it.
type Pusher interface {
	Run(ctx context.Context, h PushHandler) error
}

// Controller is the per-session synchronization loop.
type Controller struct {
	UserID       string
	API          API
	Push         Pusher
	PollInterval time.Duration

	mu    sync.Mutex
	state State
	subs  map[uint64]func(State)
	seq   uint64

	// emit serializes reduce+notify so subscribers observe states in order.
	emit sync.Mutex

	run    sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController builds a controller with a 30s poll and a recent list of
// DefaultCapacity items. push may be nil for poll-only sessions.
func NewController(userID string, api API, push Pusher) *Controller {
	return &Controller{
		UserID:       userID,
		API:          api,
		Push:         push,
		PollInterval: 30 * time.Second,
		state:        State{Capacity: DefaultCapacity},
	}
}

// SetCapacity changes how many recent items are kept.
func (c *Controller) SetCapacity(n int) {
	c.mu.Lock()
	c.state.Capacity = n
	c.mu.Unlock()
}

// State returns the current view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	c    *Controller
	id   uint64
	once sync.Once
}

// Unsubscribe stops deliveries. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.subs, s.id)
		s.c.mu.Unlock()
	})
}

// Subscribe registers fn for every state change and returns the handle
// that must be released on teardown. fn must not call back into the
// controller's mutating methods synchronously.
func (c *Controller) Subscribe(fn func(State)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[uint64]func(State))
	}
	c.seq++
	c.subs[c.seq] = fn
	return &Subscription{c: c, id: c.seq}
}

func (c *Controller) dispatch(ev Event) State {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	c.state = Reduce(c.state, ev)
	st := c.state.clone()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
	return st
}

func (c *Controller) nextOp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Start performs the initial fetch and launches the poll loop and the push
// transport. A failed initial fetch is returned but the loops keep running;
// the next poll or reconnect recovers.
func (c *Controller) Start(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()
	if c.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.runCtx, c.cancel = ctx, cancel

	err := c.Refresh(ctx)

	c.wg.Add(1)
	go c.pollLoop(ctx)
	if c.Push != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Push.Run(ctx, pushSink{c}); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("user_id", c.UserID).Msg("push transport stopped")
			}
		}()
	}
	return err
}

// Stop cancels the loops and waits for them. It is safe to call more than
// once and on a controller that never started.
func (c *Controller) Stop() {
	c.run.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.run.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	every := c.PollInterval
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Str("user_id", c.UserID).Msg("poll failed")
			}
		}
	}
}

// Refresh refetches the unread count and the recent list.
func (c *Controller) Refresh(ctx context.Context) error {
	n, err := c.API.UnreadCount(ctx, c.UserID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	limit := c.state.capacity()
	c.mu.Unlock()
	recent, err := c.API.Recent(ctx, c.UserID, limit)
	if err != nil {
		return err
	}
	c.dispatch(Loaded{UnreadCount: n, Recent: recent})
	return nil
}

// Poll replaces the local unread count with the server's.
func (c *Controller) Poll(ctx context.Context) error {
	n, err := c.API.UnreadCount(ctx, c.UserID)
	if err != nil {
		return err
	}
	c.dispatch(Polled{UnreadCount: n})
	return nil
}

// MarkRead marks id read locally at once and on the server; a server
// failure rolls the local change back and is returned.
func (c *Controller) MarkRead(ctx context.Context, id int64) error {
	op := c.nextOp()
	c.dispatch(MarkReadStarted{Op: op, ID: id})
	return c.settle(op, c.API.MarkRead(ctx, id), "Could not mark the notification as read.")
}

// MarkAllRead is MarkRead for every notification of the user.
func (c *Controller) MarkAllRead(ctx context.Context) error {
	op := c.nextOp()
	c.dispatch(MarkAllStarted{Op: op})
	_, err := c.API.MarkAllRead(ctx, c.UserID)
	return c.settle(op, err, "Could not mark all notifications as read.")
}

// Delete removes id locally at once and on the server; a server failure
// re-inserts it and is returned.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	op := c.nextOp()
	c.dispatch(DeleteStarted{Op: op, ID: id})
	return c.settle(op, c.API.Delete(ctx, id), "Could not delete the notification.")
}

// DismissNotice clears the rollback message.
func (c *Controller) DismissNotice() { c.dispatch(NoticeDismissed{}) }

func (c *Controller) settle(op uint64, err error, notice string) error {
	if err != nil {
		c.dispatch(OpFailed{Op: op, Notice: notice})
		return err
	}
	c.dispatch(OpSucceeded{Op: op})
	return nil
}

// pushSink adapts gateway callbacks into reducer events.
type pushSink struct{ c *Controller }

func (p pushSink) Connected() {
	p.c.dispatch(ConnectionChanged{Connected: true})
	// Pushes sent while disconnected are gone; the store has them.
	p.c.run.Lock()
	ctx := p.c.runCtx
	p.c.run.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.c.Refresh(ctx); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Str("user_id", p.c.UserID).Msg("refresh after reconnect failed")
	}
}

func (p pushSink) Disconnected(err error) {
	p.c.dispatch(ConnectionChanged{Connected: false})
	log.Debug().Err(err).Str("user_id", p.c.UserID).Msg("push disconnected")
}

func (p pushSink) Frame(f realtime.Frame) {
	if ev := frameEvent(f); ev != nil {
		p.c.dispatch(ev)
	}
}

// frameEvent maps a gateway frame onto a reducer event, or nil for frames
// that do not touch the view.
func frameEvent(f realtime.Frame) Event {
	switch f.Event {
	case realtime.EventNotificationNew:
		var n domain.Notification
		if err := json.Unmarshal(f.Data, &n); err != nil || n.ID == 0 {
			return nil
		}
		return Pushed{Notification: n}
	case realtime.EventNotificationRead:
		var p realtime.ReadPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil
		}
		return ReadReflected{ID: p.ID}
	case realtime.EventNotificationReadAll:
		var p realtime.ReadAllPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil
		}
		return ReadAllReflected{UpTo: p.UpTo}
	case realtime.EventNotificationDeleted:
		var p realtime.DeletedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil
		}
		return DeletedReflected{ID: p.ID}
	case realtime.EventError:
		log.Debug().Str("data", string(f.Data)).Msg("gateway error frame")
	}
	return nil
}
