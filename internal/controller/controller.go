// Package controller runs the client sync engine for one session.
//
// A Controller owns the message store, presence roster, typing indicator,
// send pipeline and push channel. All of that state is touched by a single
// goroutine that drains one event queue; user calls, push events, poll
// results and timer ticks are all turned into events on that queue.
package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/presence"
	"github.com/fathima-sithara/chat-app/internal/sender"
	"github.com/fathima-sithara/chat-app/internal/session"
	"github.com/fathima-sithara/chat-app/internal/store"
	"github.com/fathima-sithara/chat-app/internal/transport"
	"github.com/fathima-sithara/chat-app/internal/typing"
	"github.com/fathima-sithara/chat-app/shared/config"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/metrics"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

type Config struct {
	PollInterval          time.Duration
	RosterInterval        time.Duration
	TypingWindow          time.Duration
	TypingTick            time.Duration
	AckTimeout            time.Duration
	ReconnectMaxElapsed   time.Duration
	TypingFramesPerSecond float64
	QueueSize             int
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		PollInterval:          c.PollInterval,
		RosterInterval:        c.RosterInterval,
		TypingWindow:          c.TypingWindow,
		TypingTick:            c.TypingTick,
		AckTimeout:            c.AckTimeout,
		ReconnectMaxElapsed:   c.ReconnectMaxElapsed,
		TypingFramesPerSecond: float64(c.Client.TypingFramesPerSecond),
	}
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RosterInterval <= 0 {
		c.RosterInterval = 5 * time.Second
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = typing.DefaultWindow
	}
	if c.TypingTick <= 0 {
		c.TypingTick = 200 * time.Millisecond
	}
	if c.ReconnectMaxElapsed <= 0 {
		c.ReconnectMaxElapsed = 30 * time.Second
	}
	if c.TypingFramesPerSecond <= 0 {
		c.TypingFramesPerSecond = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
}

type Options struct {
	Session   session.Provider
	Transport transport.Transport
	// Uploader is optional; Upload fails without it.
	Uploader transport.Uploader
	// Dialer is optional; without it the controller runs on polling alone.
	Dialer   channel.Dialer
	Clock    utils.Clock
	Log      *zap.SugaredLogger
	Observer errs.Observer
	Scroller store.Scroller
	Config   Config
}

type Controller struct {
	sess     session.Provider
	tr       transport.Transport
	uploader transport.Uploader
	dialer   channel.Dialer
	clock    utils.Clock
	log      *zap.SugaredLogger
	observer errs.Observer
	cfg      Config

	events  chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// owned by the loop goroutine
	base       context.Context
	cancelBase context.CancelFunc
	store      *store.Store
	roster     *presence.Tracker
	typing     *typing.Indicator
	pipeline   *sender.Pipeline
	compose    sender.Compose
	life       *channel.Lifecycle
	conn       channel.Conn
	connGen    uint64
	conv       message.Conversation
	stopPolls  context.CancelFunc
	stopDial   context.CancelFunc
	typingOut  *rate.Limiter

	mu         sync.RWMutex
	onStore    []func(conversationID string, msgs []message.Message)
	onPresence []func(map[string]bool)
	onTyping   []func(bool)
	onChannel  []func(channel.State)
}

// New builds a controller and starts its event loop. Nothing is fetched or
// dialed until Start.
func New(opts Options) (*Controller, error) {
	if opts.Session == nil || opts.Transport == nil {
		return nil, errors.New("controller: session and transport are required")
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Observer == nil {
		opts.Observer = errs.Discard
	}
	opts.Config.setDefaults()

	c := &Controller{
		sess:     opts.Session,
		tr:       opts.Transport,
		uploader: opts.Uploader,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		log:      opts.Log,
		observer: opts.Observer,
		cfg:      opts.Config,
		events:   make(chan func(), opts.Config.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	c.base, c.cancelBase = context.WithCancel(context.Background())
	c.store = store.New(store.Options{
		LocalUserID: opts.Session.User().ID,
		Observer: errs.ObserverFunc(func(err error) {
			metrics.MessagesDiscarded.Inc()
			c.report(err)
		}),
		Scroller: opts.Scroller,
	})
	c.roster = presence.NewTracker(opts.Session.User().ID)
	c.typing = typing.NewIndicator(opts.Config.TypingWindow)
	c.pipeline = sender.New(opts.Config.AckTimeout)
	c.typingOut = rate.NewLimiter(rate.Limit(opts.Config.TypingFramesPerSecond), 1)
	c.life = channel.NewLifecycle(func(from, to channel.State) {
		metrics.ChannelState.Set(float64(to))
		c.log.Debugw("channel state", "from", from.String(), "to", to.String())
		c.emitChannel(to)
	})

	go c.run()
	return c, nil
}

// OnStoreChanged registers fn for ordered message snapshots. Listeners run on
// the event loop and must not block or call back into the controller
// synchronously.
func (c *Controller) OnStoreChanged(fn func(conversationID string, msgs []message.Message)) {
	c.mu.Lock()
	c.onStore = append(c.onStore, fn)
	c.mu.Unlock()
}

func (c *Controller) OnPresenceChanged(fn func(map[string]bool)) {
	c.mu.Lock()
	c.onPresence = append(c.onPresence, fn)
	c.mu.Unlock()
}

func (c *Controller) OnTypingChanged(fn func(bool)) {
	c.mu.Lock()
	c.onTyping = append(c.onTyping, fn)
	c.mu.Unlock()
}

func (c *Controller) OnChannelChanged(fn func(channel.State)) {
	c.mu.Lock()
	c.onChannel = append(c.onChannel, fn)
	c.mu.Unlock()
}

// Start opens the push channel and begins roster polling.
func (c *Controller) Start() error {
	return c.post(func() {
		c.restartPolls()
		c.connect()
	})
}

// Close stops every loop and closes the channel. It is safe to call more than
// once.
func (c *Controller) Close() error {
	c.once.Do(func() { close(c.quit) })
	<-c.stopped
	return nil
}

// Done is closed once the controller has stopped, including after the
// session is invalidated.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

func (c *Controller) run() {
	defer close(c.stopped)
	tick := time.NewTicker(c.cfg.TypingTick)
	defer tick.Stop()
	for {
		select {
		case <-c.quit:
			c.teardown(false)
			return
		case <-c.sess.Invalidated():
			c.log.Infow("session ended, stopping sync", "user", c.sess.User().ID)
			c.teardown(true)
			c.once.Do(func() { close(c.quit) })
			return
		case fn := <-c.events:
			fn()
		case <-tick.C:
			c.tick()
		}
	}
}

// post queues fn for the loop. It must not be called from the loop itself.
func (c *Controller) post(fn func()) error {
	select {
	case <-c.quit:
		return errs.ErrControllerClosed
	default:
	}
	select {
	case c.events <- fn:
		return nil
	case <-c.quit:
		return errs.ErrControllerClosed
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) error {
	done := make(chan struct{})
	if err := c.post(func() { fn(); close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		select {
		case <-done:
			return nil
		default:
			return errs.ErrControllerClosed
		}
	}
}

func (c *Controller) teardown(invalidated bool) {
	c.cancelBase()
	c.stopPolls = nil
	c.stopDial = nil
	c.closeChannel()

	c.store.Reset("")
	c.roster.Reset()
	c.pipeline.Reset()
	c.compose.Take()
	c.conv = message.Conversation{}
	typingChanged := c.typing.Reset()

	if invalidated {
		c.emitStore()
		c.emitPresence()
		if typingChanged {
			c.emitTyping(false)
		}
	}
}

func (c *Controller) tick() {
	now := c.clock.Now()
	if active, changed := c.typing.Eval(now); changed {
		c.emitTyping(active)
	}
	storeChanged := false
	for _, o := range c.pipeline.Expired(now) {
		if _, ok := c.pipeline.Fail(o.ClientID, errs.ErrSendTimeout); !ok {
			continue
		}
		metrics.Sends.WithLabelValues(string(o.Path), "timeout").Inc()
		if c.store.RemoveProvisional(o.ProvisionalID) {
			storeChanged = true
		}
		c.report(fmt.Errorf("%w: %s", errs.ErrSendTimeout, o.ProvisionalID))
	}
	if storeChanged {
		c.emitStore()
	}
}

func (c *Controller) report(err error) {
	c.log.Debugw("sync error", "err", err)
	c.observer.Observe(err)
}

// checkAuth ends the session on a rejected credential.
func (c *Controller) checkAuth(err error) {
	if errors.Is(err, errs.ErrUnauthorized) {
		c.sess.Invalidate(err)
	}
}

func (c *Controller) emitStore() {
	snap := c.store.Snapshot()
	conv := c.store.Conversation()
	c.mu.RLock()
	fns := slices.Clone(c.onStore)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(conv, snap)
	}
}

func (c *Controller) emitPresence() {
	c.mu.RLock()
	fns := slices.Clone(c.onPresence)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(c.roster.Snapshot())
	}
}

func (c *Controller) emitTyping(active bool) {
	c.mu.RLock()
	fns := slices.Clone(c.onTyping)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(active)
	}
}

func (c *Controller) emitChannel(s channel.State) {
	c.mu.RLock()
	fns := slices.Clone(c.onChannel)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Messages returns the current ordered snapshot.
func (c *Controller) Messages() ([]message.Message, error) {
	var out []message.Message
	err := c.call(func() { out = c.store.Snapshot() })
	return out, err
}

// Conversation returns the active conversation, zero when none.
func (c *Controller) Conversation() (message.Conversation, error) {
	var out message.Conversation
	err := c.call(func() { out = c.conv })
	return out, err
}

func (c *Controller) Presence() (map[string]bool, error) {
	var out map[string]bool
	err := c.call(func() { out = c.roster.Snapshot() })
	return out, err
}

// Roster returns every known user other than the session user.
func (c *Controller) Roster() ([]message.User, error) {
	var out []message.User
	err := c.call(func() { out = c.roster.Roster() })
	return out, err
}

// Typing reports whether the peer's lease is live at the current clock,
// independent of when the next tick publishes the edge.
func (c *Controller) Typing() (bool, error) {
	var out bool
	err := c.call(func() { out = c.typing.Active(c.clock.Now()) })
	return out, err
}

func (c *Controller) ChannelState() (channel.State, error) {
	var out channel.State
	err := c.call(func() { out = c.life.State() })
	return out, err
}
