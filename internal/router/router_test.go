package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaybothq/relaybot/internal/inbox"
	"github.com/relaybothq/relaybot/internal/notify"
	"github.com/relaybothq/relaybot/internal/session"
	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport"
)

type sentMessage struct {
	chatID int64
	text   string
	opts   transport.SendOptions
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	answered []string
	sendErr  error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string, opts transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, opts: opts})
	return nil
}

func (f *fakeSender) AnswerCallback(_ context.Context, callbackID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callbackID)
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeSenders struct {
	sender transport.Sender
}

func (f *fakeSenders) Sender(int64) (transport.Sender, bool) {
	if f.sender == nil {
		return nil, false
	}
	return f.sender, true
}

type fakeDirectory struct {
	mu        sync.Mutex
	operators map[int64]bool
	owners    map[int64]bool
	admins    []tenant.Admin
	added     []int64
	removed   []int64
	removeErr error
}

func (f *fakeDirectory) IsOperator(_ context.Context, _, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operators[userID], nil
}

func (f *fakeDirectory) IsOwner(_ context.Context, _, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[userID], nil
}

func (f *fakeDirectory) AddAdmin(_ context.Context, _, userID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, userID)
	return nil
}

func (f *fakeDirectory) RemoveAdmin(_ context.Context, _, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakeDirectory) ListAdmins(_ context.Context, _ int64) ([]tenant.Admin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins, nil
}

type fakeInbox struct {
	mu          sync.Mutex
	nextID      int64
	messages    map[int64]inbox.Message
	order       []int64
	banned      map[int64]bool
	subscribers map[int64]inbox.Subscriber
	chatIDs     []int64

	recordedBroadcast struct {
		body          string
		success, fail int
	}
	broadcastDone chan struct{}
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{
		messages:      map[int64]inbox.Message{},
		banned:        map[int64]bool{},
		subscribers:   map[int64]inbox.Subscriber{},
		broadcastDone: make(chan struct{}, 1),
	}
}

func (f *fakeInbox) Persist(_ context.Context, msg inbox.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	f.messages[msg.ID] = msg
	f.order = append(f.order, msg.ID)
	return msg.ID, nil
}

func (f *fakeInbox) Get(_ context.Context, id int64) (inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return inbox.Message{}, errors.New("not found")
	}
	return msg, nil
}

func (f *fakeInbox) MarkHandled(_ context.Context, id int64, replyBody string, handledBy int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return errors.New("not found")
	}
	msg.Handled = true
	msg.ReplyBody = replyBody
	msg.HandledBy = handledBy
	f.messages[id] = msg
	return nil
}

func (f *fakeInbox) RecentUnhandled(_ context.Context, _ int64, limit int) ([]inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inbox.Message
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		msg := f.messages[f.order[i]]
		if !msg.Handled {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeInbox) Touch(_ context.Context, sub inbox.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[sub.UserID] = sub
	return nil
}

func (f *fakeInbox) SetBanned(_ context.Context, _, userID int64, banned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[userID] = banned
	return nil
}

func (f *fakeInbox) IsBanned(_ context.Context, _, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[userID], nil
}

func (f *fakeInbox) SubscriberChatIDs(_ context.Context, _ int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatIDs, nil
}

func (f *fakeInbox) RecordBroadcast(_ context.Context, _, _ int64, body string, success, fail int) error {
	f.mu.Lock()
	f.recordedBroadcast.body = body
	f.recordedBroadcast.success = success
	f.recordedBroadcast.fail = fail
	f.mu.Unlock()
	select {
	case f.broadcastDone <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeInbox) TenantStats(_ context.Context, _ int64) (inbox.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unhandled int64
	for _, msg := range f.messages {
		if !msg.Handled {
			unhandled++
		}
	}
	return inbox.Stats{
		Subscribers: int64(len(f.subscribers)),
		Messages:    int64(len(f.messages)),
		Unhandled:   unhandled,
	}, nil
}

func (f *fakeInbox) message(t *testing.T, id int64) inbox.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		t.Fatalf("message %d not stored", id)
	}
	return msg
}

type fakeNotifier struct {
	notified chan inbox.Message
}

func (f *fakeNotifier) Notify(_ context.Context, msg inbox.Message) (notify.Report, error) {
	f.notified <- msg
	return notify.Report{Delivered: 1}, nil
}

type routerFixture struct {
	router   *Router
	sender   *fakeSender
	dir      *fakeDirectory
	inbox    *fakeInbox
	notifier *fakeNotifier
	sessions *session.Store
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	sender := &fakeSender{}
	dir := &fakeDirectory{
		operators: map[int64]bool{100: true},
		owners:    map[int64]bool{100: true},
	}
	store := newFakeInbox()
	notifier := &fakeNotifier{notified: make(chan inbox.Message, 32)}
	sessions := session.NewStore(time.Minute)
	tw := testWriter{t: t, mu: &sync.Mutex{}, done: new(bool)}
	t.Cleanup(func() {
		tw.mu.Lock()
		defer tw.mu.Unlock()
		*tw.done = true
	})
	r := New(slog.New(slog.NewTextHandler(tw, nil)),
		sessions, dir, store, &fakeSenders{sender: sender}, notifier,
		Options{BroadcastRate: 200})
	return &routerFixture{
		router:   r,
		sender:   sender,
		dir:      dir,
		inbox:    store,
		notifier: notifier,
		sessions: sessions,
	}
}

type testWriter struct {
	t    *testing.T
	mu   *sync.Mutex
	done *bool
}

func (w testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !*w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

const testTenantID = 7

func operatorEvent(kind transport.Kind) transport.Event {
	return transport.Event{
		TenantID: testTenantID,
		Kind:     kind,
		Sender:   transport.User{ID: 100, FirstName: "Op"},
		ChatID:   100,
	}
}

func endUserEvent(text string) transport.Event {
	return transport.Event{
		TenantID: testTenantID,
		Kind:     transport.KindText,
		Sender:   transport.User{ID: 500, FirstName: "Alice"},
		ChatID:   500,
		Text:     text,
	}
}

func waitNotified(t *testing.T, n *fakeNotifier) inbox.Message {
	t.Helper()
	select {
	case msg := <-n.notified:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operator fan-out")
		return inbox.Message{}
	}
}

func TestEndUserMessageRelayed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	fx.router.dispatch(ctx, endUserEvent("hello team"))

	relayed := waitNotified(t, fx.notifier)
	if relayed.Body != "hello team" {
		t.Fatalf("notified body = %q, want %q", relayed.Body, "hello team")
	}
	stored := fx.inbox.message(t, relayed.ID)
	if stored.UserID != 500 || stored.ChatID != 500 {
		t.Fatalf("stored message = %+v", stored)
	}
	if _, ok := fx.inbox.subscribers[500]; !ok {
		t.Fatal("sender not recorded as subscriber")
	}
	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "passed on") {
		t.Fatalf("ack = %+v", msgs)
	}
}

func TestBannedUserDroppedSilently(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	fx.inbox.banned[500] = true

	fx.router.dispatch(ctx, endUserEvent("let me in"))

	if len(fx.inbox.order) != 0 {
		t.Fatal("banned user's message was persisted")
	}
	if got := fx.sender.messages(); len(got) != 0 {
		t.Fatalf("banned user got a response: %+v", got)
	}
}

func TestEndUserStartGreeting(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ev := endUserEvent("")
	ev.Kind = transport.KindCommand
	ev.Command = "start"

	fx.router.dispatch(context.Background(), ev)

	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "Hello") {
		t.Fatalf("greeting = %+v", msgs)
	}
	if len(fx.inbox.order) != 0 {
		t.Fatal("/start was persisted as a message")
	}
}

func TestOperatorUnknownCommand(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ev := operatorEvent(transport.KindCommand)
	ev.Command = "fly"

	fx.router.dispatch(context.Background(), ev)

	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "Unrecognized") {
		t.Fatalf("response = %+v", msgs)
	}
}

func TestOperatorUnknownCallbackAnswered(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ev := operatorEvent(transport.KindCallback)
	ev.CallbackID = "cb-1"
	ev.CallbackData = "withdraw:9"

	fx.router.dispatch(context.Background(), ev)

	if len(fx.sender.answered) != 1 || fx.sender.answered[0] != "cb-1" {
		t.Fatalf("callback not acknowledged: %v", fx.sender.answered)
	}
	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "not recognized") {
		t.Fatalf("response = %+v", msgs)
	}
}

func TestReplyFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	msgID, err := fx.inbox.Persist(ctx, inbox.Message{
		BotID: testTenantID, UserID: 500, UserName: "Alice", ChatID: 500, Body: "question",
	})
	if err != nil {
		t.Fatal(err)
	}

	cb := operatorEvent(transport.KindCallback)
	cb.CallbackID = "cb-2"
	cb.CallbackData = "reply:1"
	fx.router.dispatch(ctx, cb)

	if _, ok := fx.sessions.Get(testTenantID, 100); !ok {
		t.Fatal("reply callback did not open a session")
	}

	reply := operatorEvent(transport.KindText)
	reply.Text = "here is your answer"
	fx.router.dispatch(ctx, reply)

	var delivered bool
	for _, m := range fx.sender.messages() {
		if m.chatID == 500 && m.text == "here is your answer" {
			delivered = true
		}
	}
	if !delivered {
		t.Fatal("reply was not delivered to the end user's chat")
	}
	stored := fx.inbox.message(t, msgID)
	if !stored.Handled || stored.ReplyBody != "here is your answer" || stored.HandledBy != 100 {
		t.Fatalf("message after reply = %+v", stored)
	}
	if _, ok := fx.sessions.Get(testTenantID, 100); ok {
		t.Fatal("reply session still open after completion")
	}
}

func TestCancelAbortsFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	begin := operatorEvent(transport.KindCommand)
	begin.Command = "broadcast"
	fx.router.dispatch(ctx, begin)

	cancel := operatorEvent(transport.KindCommand)
	cancel.Command = "cancel"
	fx.router.dispatch(ctx, cancel)

	if _, ok := fx.sessions.Get(testTenantID, 100); ok {
		t.Fatal("session survived /cancel")
	}
	msgs := fx.sender.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].text, "Cancelled") {
		t.Fatalf("responses = %+v", msgs)
	}
	if fx.inbox.recordedBroadcast.body != "" {
		t.Fatal("cancelled broadcast still ran")
	}
}

func TestBanFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	cb := operatorEvent(transport.KindCallback)
	cb.CallbackID = "cb-3"
	cb.CallbackData = "ban:500"
	fx.router.dispatch(ctx, cb)

	reason := operatorEvent(transport.KindText)
	reason.Text = "spam"
	fx.router.dispatch(ctx, reason)

	if !fx.inbox.banned[500] {
		t.Fatal("user 500 not banned after ban flow")
	}
	if _, ok := fx.sessions.Get(testTenantID, 100); ok {
		t.Fatal("ban session still open after completion")
	}
}

func TestDismissCallback(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	msgID, err := fx.inbox.Persist(ctx, inbox.Message{
		BotID: testTenantID, UserID: 500, ChatID: 500, Body: "noise",
	})
	if err != nil {
		t.Fatal(err)
	}

	cb := operatorEvent(transport.KindCallback)
	cb.CallbackID = "cb-4"
	cb.CallbackData = "dismiss:1"
	fx.router.dispatch(ctx, cb)

	if stored := fx.inbox.message(t, msgID); !stored.Handled {
		t.Fatal("dismissed message not marked handled")
	}
}

func TestAddAdminInlineArgument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ev := operatorEvent(transport.KindCommand)
	ev.Command = "addadmin"
	ev.Args = "4242"

	fx.router.dispatch(context.Background(), ev)

	if len(fx.dir.added) != 1 || fx.dir.added[0] != 4242 {
		t.Fatalf("added admins = %v", fx.dir.added)
	}
}

func TestRemoveAdminInlineArgument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ev := operatorEvent(transport.KindCommand)
	ev.Command = "removeadmin"
	ev.Args = "4242"

	fx.router.dispatch(context.Background(), ev)

	if len(fx.dir.removed) != 1 || fx.dir.removed[0] != 4242 {
		t.Fatalf("removed admins = %v", fx.dir.removed)
	}
	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "no longer an admin") {
		t.Fatalf("responses = %+v", msgs)
	}
}

func TestRemoveAdminSessionFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	begin := operatorEvent(transport.KindCommand)
	begin.Command = "removeadmin"
	fx.router.dispatch(ctx, begin)
	if sess, ok := fx.sessions.Get(testTenantID, 100); !ok || sess.Kind != session.KindRemoveAdmin {
		t.Fatalf("session = (%+v, %v), want remove-admin session", sess, ok)
	}

	answer := operatorEvent(transport.KindText)
	answer.Text = "4242"
	fx.router.dispatch(ctx, answer)

	if len(fx.dir.removed) != 1 || fx.dir.removed[0] != 4242 {
		t.Fatalf("removed admins = %v", fx.dir.removed)
	}
	if _, ok := fx.sessions.Get(testTenantID, 100); ok {
		t.Fatal("session survived completion")
	}
}

func TestRemoveAdminUnknownUser(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.dir.removeErr = tenant.ErrAdminNotFound
	ev := operatorEvent(transport.KindCommand)
	ev.Command = "removeadmin"
	ev.Args = "9999"

	fx.router.dispatch(context.Background(), ev)

	msgs := fx.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "not an admin") {
		t.Fatalf("responses = %+v", msgs)
	}
}

func TestAdminManagementIsOwnerOnly(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.dir.operators[200] = true // admin, not owner
	ctx := context.Background()

	for _, cmd := range []string{"addadmin", "removeadmin"} {
		ev := transport.Event{
			TenantID: testTenantID,
			Kind:     transport.KindCommand,
			Sender:   transport.User{ID: 200, FirstName: "Adm"},
			ChatID:   200,
			Command:  cmd,
			Args:     "4242",
		}
		fx.router.dispatch(ctx, ev)
	}

	if len(fx.dir.added) != 0 || len(fx.dir.removed) != 0 {
		t.Fatalf("non-owner changed admins: added=%v removed=%v", fx.dir.added, fx.dir.removed)
	}
	msgs := fx.sender.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[0].text, "owner") {
		t.Fatalf("responses = %+v", msgs)
	}
}

func TestBroadcastFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	fx.inbox.chatIDs = []int64{500, 501, 502}

	begin := operatorEvent(transport.KindCommand)
	begin.Command = "broadcast"
	fx.router.dispatch(ctx, begin)

	body := operatorEvent(transport.KindText)
	body.Text = "maintenance tonight"
	fx.router.dispatch(ctx, body)

	select {
	case <-fx.inbox.broadcastDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for broadcast to finish")
	}

	if got := fx.inbox.recordedBroadcast; got.success != 3 || got.fail != 0 {
		t.Fatalf("recorded broadcast = %+v", got)
	}
	delivered := 0
	for _, m := range fx.sender.messages() {
		if m.text == "maintenance tonight" {
			delivered++
		}
	}
	if delivered != 3 {
		t.Fatalf("delivered to %d chats, want 3", delivered)
	}
}

func TestShardPinningIsStable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.router.start(context.Background())
	defer fx.router.Stop()

	ev := endUserEvent("x")
	first := fx.router.shardFor(ev)
	for i := 0; i < 64; i++ {
		if got := fx.router.shardFor(ev); got != first {
			t.Fatalf("shard changed between calls: %d then %d", first, got)
		}
	}
}

func TestHandlePreservesSenderOrder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	defer fx.router.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		ev := endUserEvent("msg")
		ev.Text = "msg-" + string(rune('a'+i))
		fx.router.Handle(ctx, ev)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		fx.inbox.mu.Lock()
		done := len(fx.inbox.order) == n
		fx.inbox.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dispatches")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.inbox.mu.Lock()
	defer fx.inbox.mu.Unlock()
	for i, id := range fx.inbox.order {
		want := "msg-" + string(rune('a'+i))
		if got := fx.inbox.messages[id].Body; got != want {
			t.Fatalf("position %d: got %q, want %q", i, got, want)
		}
	}
}
