// Package router classifies inbound events per tenant and dispatches them:
// session input first, then operator commands and callbacks, otherwise the
// end-user relay path.
package router

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/relaybothq/relaybot/internal/inbox"
	"github.com/relaybothq/relaybot/internal/notify"
	"github.com/relaybothq/relaybot/internal/session"
	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport"
)

// Directory answers operator-set questions for a tenant. Implemented by the
// tenant service.
type Directory interface {
	IsOperator(ctx context.Context, botID, userID int64) (bool, error)
	IsOwner(ctx context.Context, botID, userID int64) (bool, error)
	AddAdmin(ctx context.Context, botID, userID, addedBy int64) error
	RemoveAdmin(ctx context.Context, botID, userID int64) error
	ListAdmins(ctx context.Context, botID int64) ([]tenant.Admin, error)
}

// Inbox is the durable message/subscriber store the router writes through.
type Inbox interface {
	Persist(ctx context.Context, msg inbox.Message) (int64, error)
	Get(ctx context.Context, id int64) (inbox.Message, error)
	MarkHandled(ctx context.Context, id int64, replyBody string, handledBy int64) error
	RecentUnhandled(ctx context.Context, botID int64, limit int) ([]inbox.Message, error)
	Touch(ctx context.Context, sub inbox.Subscriber) error
	SetBanned(ctx context.Context, botID, userID int64, banned bool) error
	IsBanned(ctx context.Context, botID, userID int64) (bool, error)
	SubscriberChatIDs(ctx context.Context, botID int64) ([]int64, error)
	RecordBroadcast(ctx context.Context, botID, sentBy int64, body string, success, fail int) error
	TenantStats(ctx context.Context, botID int64) (inbox.Stats, error)
}

// Notifier fans a stored message out to the tenant's operators.
type Notifier interface {
	Notify(ctx context.Context, msg inbox.Message) (notify.Report, error)
}

// SenderProvider exposes the live connection for a tenant. Satisfied by the
// fleet registry.
type SenderProvider interface {
	Sender(tenantID int64) (transport.Sender, bool)
}

// Options tunes the router's dispatch pool and broadcast throttle.
type Options struct {
	// Shards is the number of serial dispatch workers. Events for one
	// (tenant, sender) pair always land on the same shard, preserving
	// arrival order; distinct pairs spread across shards and run
	// concurrently.
	Shards int
	// QueueDepth is the per-shard buffer; events beyond it are dropped.
	QueueDepth int
	// BroadcastRate is the per-broadcast send ceiling, messages per second.
	BroadcastRate int
}

func (o *Options) applyDefaults() {
	if o.Shards <= 0 {
		o.Shards = 8
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.BroadcastRate <= 0 {
		o.BroadcastRate = 20
	}
}

// Router is the per-tenant dispatch engine.
type Router struct {
	sessions *session.Store
	dir      Directory
	inbox    Inbox
	senders  SenderProvider
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	commands  map[Action]commandFunc
	callbacks map[Action]callbackFunc
	flows     map[session.Kind]flowFunc

	shards     []chan transport.Event
	workerOnce sync.Once
	workerCtx  context.Context
	workerStop context.CancelFunc
	wg         sync.WaitGroup
}

func New(log *slog.Logger, sessions *session.Store, dir Directory, store Inbox, senders SenderProvider, notifier Notifier, opts Options) *Router {
	if log == nil {
		log = slog.Default()
	}
	opts.applyDefaults()
	r := &Router{
		sessions: sessions,
		dir:      dir,
		inbox:    store,
		senders:  senders,
		notifier: notifier,
		opts:     opts,
		logger:   log.With(slog.String("component", "router")),
	}
	r.commands = map[Action]commandFunc{
		ActionStart:       r.cmdDashboard,
		ActionDashboard:   r.cmdDashboard,
		ActionMessages:    r.cmdMessages,
		ActionBroadcast:   r.cmdBroadcast,
		ActionStats:       r.cmdStats,
		ActionAdmins:      r.cmdAdmins,
		ActionAddAdmin:    r.cmdAddAdmin,
		ActionRemoveAdmin: r.cmdRemoveAdmin,
	}
	r.callbacks = map[Action]callbackFunc{
		ActionReply:   r.cbReply,
		ActionBan:     r.cbBan,
		ActionDismiss: r.cbDismiss,
	}
	r.flows = map[session.Kind]flowFunc{
		session.KindBroadcast:   r.flowBroadcast,
		session.KindReply:       r.flowReply,
		session.KindAddAdmin:    r.flowAddAdmin,
		session.KindRemoveAdmin: r.flowRemoveAdmin,
		session.KindBan:         r.flowBan,
	}
	return r
}

// Handle enqueues one inbound event. It is the transport.Handler handed to
// the listener supervisor and must not block the poll loop: a full shard
// drops the event with a log line.
func (r *Router) Handle(ctx context.Context, ev transport.Event) {
	r.start(ctx)
	shard := r.shards[r.shardFor(ev)]
	select {
	case shard <- ev:
	default:
		r.logger.Warn("dispatch queue full, event dropped",
			slog.Int64("tenant_id", ev.TenantID),
			slog.Int64("sender_id", ev.Sender.ID))
	}
}

// Stop drains no further events and waits for in-flight dispatches.
func (r *Router) Stop() {
	if r.workerStop != nil {
		r.workerStop()
	}
	r.wg.Wait()
}

func (r *Router) start(ctx context.Context) {
	r.workerOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		r.workerCtx, r.workerStop = context.WithCancel(context.WithoutCancel(ctx))
		r.shards = make([]chan transport.Event, r.opts.Shards)
		for i := range r.shards {
			r.shards[i] = make(chan transport.Event, r.opts.QueueDepth)
			r.wg.Add(1)
			go r.runShard(r.shards[i])
		}
	})
}

func (r *Router) runShard(events <-chan transport.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-r.workerCtx.Done():
			return
		case ev := <-events:
			r.dispatch(r.workerCtx, ev)
		}
	}
}

// shardFor pins a (tenant, sender) pair to one shard so events from the same
// sender are never reordered or processed concurrently.
func (r *Router) shardFor(ev transport.Event) int {
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(ev.TenantID >> (8 * i))
		buf[8+i] = byte(ev.Sender.ID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(len(r.shards)))
}

// dispatch is the ordered per-event path.
func (r *Router) dispatch(ctx context.Context, ev transport.Event) {
	sender, ok := r.senders.Sender(ev.TenantID)
	if !ok {
		r.logger.Warn("event for tenant without live connection",
			slog.Int64("tenant_id", ev.TenantID))
		return
	}

	// Callbacks always get acknowledged so the client stops its spinner.
	if ev.Kind == transport.KindCallback {
		if err := sender.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
			r.logger.Warn("answer callback failed",
				slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		}
	}

	// A cancel command aborts any in-flight flow before session routing, so
	// the next event from this sender is classified fresh.
	if ev.Kind == transport.KindCommand && parseCommand(ev.Command) == ActionCancel {
		r.sessions.Cancel(ev.TenantID, ev.Sender.ID)
		r.reply(ctx, sender, ev.ChatID, "Cancelled.")
		return
	}

	// Mid-flow input goes to the session's step handler.
	if sess, ok := r.sessions.Get(ev.TenantID, ev.Sender.ID); ok {
		flow, known := r.flows[sess.Kind]
		if !known {
			// A kind with no flow handler here (reserved kinds) is stale
			// state; drop it rather than trapping the operator.
			r.sessions.Cancel(ev.TenantID, ev.Sender.ID)
			r.reply(ctx, sender, ev.ChatID, "That flow is no longer available.")
			return
		}
		flow(ctx, sender, sess, ev)
		return
	}

	operator, err := r.dir.IsOperator(ctx, ev.TenantID, ev.Sender.ID)
	if err != nil {
		r.logger.Error("operator lookup failed",
			slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		return
	}
	if operator {
		r.dispatchOperator(ctx, sender, ev)
		return
	}
	r.dispatchEndUser(ctx, sender, ev)
}

// reply sends a best-effort response; failures are logged, not raised.
func (r *Router) reply(ctx context.Context, sender transport.Sender, chatID int64, text string) {
	if err := sender.Send(ctx, chatID, text, transport.SendOptions{}); err != nil {
		r.logger.Warn("send reply failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}
