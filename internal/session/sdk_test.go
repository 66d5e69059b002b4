package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/claudesdk"
)

// fakeQuery is a scriptable SDKQuery.
type fakeQuery struct {
	msgs chan *claudesdk.Message
	done chan struct{}

	mu          sync.Mutex
	interrupted bool
	closed      bool
	mode        string
	model       string
	thinking    int

	models    json.RawMessage
	modelsErr error
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		msgs: make(chan *claudesdk.Message, 16),
		done: make(chan struct{}),
	}
}

func (q *fakeQuery) emit(m *claudesdk.Message) { q.msgs <- m }

func (q *fakeQuery) end() {
	q.mu.Lock()
	closed := q.closed
	q.closed = true
	q.mu.Unlock()
	if !closed {
		close(q.msgs)
	}
}

func (q *fakeQuery) Messages() <-chan *claudesdk.Message { return q.msgs }
func (q *fakeQuery) Done() <-chan struct{}               { return q.done }

func (q *fakeQuery) Interrupt(ctx context.Context) error {
	q.mu.Lock()
	q.interrupted = true
	q.mu.Unlock()
	return nil
}

func (q *fakeQuery) SetPermissionMode(ctx context.Context, mode string) error {
	q.mu.Lock()
	q.mode = mode
	q.mu.Unlock()
	return nil
}

func (q *fakeQuery) SetModel(ctx context.Context, model string) error {
	q.mu.Lock()
	q.model = model
	q.mu.Unlock()
	return nil
}

func (q *fakeQuery) SetMaxThinkingTokens(ctx context.Context, n int) error {
	q.mu.Lock()
	q.thinking = n
	q.mu.Unlock()
	return nil
}

func (q *fakeQuery) SetMcpServers(ctx context.Context, servers map[string]json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (q *fakeQuery) RewindFiles(ctx context.Context, messageID string) (json.RawMessage, error) {
	return json.RawMessage(`{"rewound":true}`), nil
}

func (q *fakeQuery) SupportedModels(ctx context.Context) (json.RawMessage, error) {
	return q.models, q.modelsErr
}

func (q *fakeQuery) SupportedCommands(ctx context.Context) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func (q *fakeQuery) AccountInfo(ctx context.Context) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func (q *fakeQuery) McpServerStatus(ctx context.Context) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func (q *fakeQuery) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.end()
	return nil
}

func (q *fakeQuery) wasInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

// fakeStarter hands out fakeQuery instances and records the per-turn
// snapshots.
type fakeStarter struct {
	mu      sync.Mutex
	err     error
	queries []*fakeQuery
	prompts []string
	opts    []claudesdk.Options
}

func (f *fakeStarter) start(ctx context.Context, prompt string, opts claudesdk.Options) (SDKQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	q := newFakeQuery()
	f.queries = append(f.queries, q)
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	return q, nil
}

func (f *fakeStarter) query(t *testing.T, i int) *fakeQuery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.queries) > i {
			q := f.queries[i]
			f.mu.Unlock()
			return q
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("query %d never started", i)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeStarter) turnOpts(i int) claudesdk.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[i]
}

func startTestSDK(t *testing.T, cfg SDKConfig, rec Recorder) (*SDKSession, *fakeStarter) {
	t.Helper()
	starter := &fakeStarter{}
	sess := NewSDKSession("sdk-1", starter.start, cfg, rec, testLogger())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sess.Terminate(ctx)
	})
	return sess, starter
}

func assistantMsg(sessionID, body string) *claudesdk.Message {
	return &claudesdk.Message{
		Type:      claudesdk.MessageTypeAssistant,
		SessionID: sessionID,
		Message:   json.RawMessage(body),
	}
}

func TestSDKPromptTurn(t *testing.T) {
	rec := &recorderSpy{}
	sess, starter := startTestSDK(t, SDKConfig{Options: claudesdk.Options{Model: "sonnet"}}, rec)
	sub := sess.Subscribe()
	defer sub.Cancel()

	type promptRes struct {
		res *PromptResult
		err error
	}
	resCh := make(chan promptRes, 1)
	go func() {
		res, err := sess.SendPrompt(context.Background(), "write a test")
		resCh <- promptRes{res, err}
	}()

	q := starter.query(t, 0)
	q.emit(assistantMsg("cli-abc", `{"role":"assistant","content":[{"type":"text","text":"done"}]}`))
	q.emit(&claudesdk.Message{
		Type:      claudesdk.MessageTypeResult,
		SessionID: "cli-abc",
		NumTurns:  1,
		Usage:     json.RawMessage(`{"input_tokens":10}`),
	})
	q.end()

	select {
	case out := <-resCh:
		if out.err != nil {
			t.Fatalf("prompt failed: %v", out.err)
		}
		if out.res.StopReason != StopReasonEndTurn {
			t.Errorf("expected stop reason end_turn, got %q", out.res.StopReason)
		}
		if string(out.res.Usage) != `{"input_tokens":10}` {
			t.Errorf("unexpected usage: %s", out.res.Usage)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("prompt did not return")
	}

	// The CLI-assigned conversation id was adopted.
	if got := sess.Info().BackendID; got != "cli-abc" {
		t.Errorf("expected backend id cli-abc, got %q", got)
	}

	ev := recvEventOfType(t, sub, EventMessage)
	var mp MessagePayload
	if err := json.Unmarshal(ev.Payload, &mp); err != nil {
		t.Fatalf("bad message payload: %v", err)
	}
	if mp.Kind != MessageText || mp.Text != "done" {
		t.Errorf("unexpected message payload: %+v", mp)
	}
	recvEventOfType(t, sub, EventResult)

	if got := starter.turnOpts(0); got.Resume != "" {
		t.Errorf("expected first turn without resume, got %q", got.Resume)
	}

	// The second turn resumes the conversation.
	go func() {
		res, err := sess.SendPrompt(context.Background(), "continue")
		resCh <- promptRes{res, err}
	}()
	q2 := starter.query(t, 1)
	q2.emit(&claudesdk.Message{Type: claudesdk.MessageTypeResult, SessionID: "cli-abc"})
	q2.end()
	select {
	case out := <-resCh:
		if out.err != nil {
			t.Fatalf("second prompt failed: %v", out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second prompt did not return")
	}
	opts := starter.turnOpts(1)
	if opts.Resume != "cli-abc" || !opts.Continue {
		t.Errorf("expected resume cli-abc with continue, got resume=%q continue=%v", opts.Resume, opts.Continue)
	}

	tr := rec.transcript()
	want := [][2]string{{"user", "write a test"}, {"assistant", "done"}, {"user", "continue"}}
	if len(tr) != len(want) {
		t.Fatalf("expected %d transcript entries, got %d: %v", len(want), len(tr), tr)
	}
	for i := range want {
		if tr[i] != want[i] {
			t.Errorf("transcript[%d]: expected %v, got %v", i, want[i], tr[i])
		}
	}
}

func TestSDKQueryEndsWithoutResult(t *testing.T) {
	sess, starter := startTestSDK(t, SDKConfig{}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.SendPrompt(context.Background(), "hello")
		errCh <- err
	}()

	q := starter.query(t, 0)
	q.end()

	select {
	case err := <-errCh:
		if err == nil || err.Error() != "query ended without a result" {
			t.Errorf("expected missing-result error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("prompt did not return")
	}
	waitForState(t, sess, StateReady)
}

func TestSDKCancelPrompt(t *testing.T) {
	sess, starter := startTestSDK(t, SDKConfig{}, nil)

	type promptRes struct {
		res *PromptResult
		err error
	}
	resCh := make(chan promptRes, 1)
	go func() {
		res, err := sess.SendPrompt(context.Background(), "long task")
		resCh <- promptRes{res, err}
	}()
	q := starter.query(t, 0)
	waitForState(t, sess, StateProcessing)

	if err := sess.CancelPrompt(context.Background()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !q.wasInterrupted() {
		t.Errorf("expected interrupt to reach the query")
	}
	q.end()

	select {
	case out := <-resCh:
		if out.err != nil {
			t.Fatalf("cancelled prompt errored: %v", out.err)
		}
		if out.res.StopReason != StopReasonCancelled {
			t.Errorf("expected stop reason cancelled, got %q", out.res.StopReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("prompt did not return")
	}
	waitForState(t, sess, StateReady)
}

func TestSDKStartQueryFailure(t *testing.T) {
	sess, starter := startTestSDK(t, SDKConfig{}, nil)
	starter.mu.Lock()
	starter.err = errors.New("cli not found")
	starter.mu.Unlock()

	_, err := sess.SendPrompt(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected start error")
	}
	waitForState(t, sess, StateReady)
}

func TestSDKPermissionFlow(t *testing.T) {
	sess, _ := startTestSDK(t, SDKConfig{}, nil)
	sub := sess.Subscribe()
	defer sub.Cancel()

	suggestion := json.RawMessage(`{"type":"addRules","destination":"session"}`)
	meta := claudesdk.PermissionMeta{ToolUseID: "tu-1", Suggestions: []json.RawMessage{suggestion}}

	resCh := make(chan claudesdk.PermissionResult, 1)
	go func() {
		res, err := sess.canUseTool(context.Background(), "Bash", json.RawMessage(`{"command":"ls"}`), meta)
		if err != nil {
			t.Errorf("canUseTool failed: %v", err)
		}
		resCh <- res
	}()

	ev := recvEventOfType(t, sub, EventPermissionRequest)
	var payload PermissionRequestPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("bad permission payload: %v", err)
	}
	if payload.ToolCallID != "tu-1" || payload.ToolName != "Bash" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	wantIDs := []string{"suggest-0", OptionIDAllow, OptionIDAllowAlways, OptionIDDeny}
	if len(payload.Options) != len(wantIDs) {
		t.Fatalf("expected %d options, got %d", len(wantIDs), len(payload.Options))
	}
	for i, id := range wantIDs {
		if payload.Options[i].OptionID != id {
			t.Errorf("option %d: expected %q, got %q", i, id, payload.Options[i].OptionID)
		}
	}

	if err := sess.RespondPermission("tu-1", PermissionAnswer{OptionID: OptionIDAllowAlways}); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	select {
	case res := <-resCh:
		if res.Behavior != claudesdk.BehaviorAllow {
			t.Errorf("expected allow, got %q", res.Behavior)
		}
		if len(res.UpdatedPermissions) != 1 || string(res.UpdatedPermissions[0]) != string(suggestion) {
			t.Errorf("expected suggestion echoed as updated permission, got %v", res.UpdatedPermissions)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("permission result never arrived")
	}
}

func TestSDKPermissionResultMapping(t *testing.T) {
	sess, _ := startTestSDK(t, SDKConfig{}, nil)
	s1 := json.RawMessage(`{"type":"addRules"}`)
	s2 := json.RawMessage(`{"type":"setMode"}`)
	meta := claudesdk.PermissionMeta{Suggestions: []json.RawMessage{s1, s2}}

	tests := []struct {
		name        string
		out         permOutcome
		behavior    string
		message     string
		interrupt   bool
		permissions int
	}{
		{"nil answer denies", permOutcome{}, claudesdk.BehaviorDeny, "denied by user", false, 0},
		{"deny option", permOutcome{answer: &PermissionAnswer{OptionID: OptionIDDeny}}, claudesdk.BehaviorDeny, "denied by user", false, 0},
		{"terminated", permOutcome{message: "session terminated", interrupt: true}, claudesdk.BehaviorDeny, "session terminated", true, 0},
		{"allow", permOutcome{answer: &PermissionAnswer{OptionID: OptionIDAllow}}, claudesdk.BehaviorAllow, "", false, 0},
		{"allow always echoes all", permOutcome{answer: &PermissionAnswer{OptionID: OptionIDAllowAlways}}, claudesdk.BehaviorAllow, "", false, 2},
		{"suggestion echoes one", permOutcome{answer: &PermissionAnswer{OptionID: "suggest-1"}}, claudesdk.BehaviorAllow, "", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sess.permissionResult("tu-9", meta, tt.out)
			if res.Behavior != tt.behavior {
				t.Errorf("expected behavior %q, got %q", tt.behavior, res.Behavior)
			}
			if res.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, res.Message)
			}
			if res.Interrupt != tt.interrupt {
				t.Errorf("expected interrupt %v, got %v", tt.interrupt, res.Interrupt)
			}
			if len(res.UpdatedPermissions) != tt.permissions {
				t.Errorf("expected %d updated permissions, got %d", tt.permissions, len(res.UpdatedPermissions))
			}
		})
	}

	// The single-suggestion echo picks the right one.
	res := sess.permissionResult("tu-9", meta, permOutcome{answer: &PermissionAnswer{OptionID: "suggest-1"}})
	if len(res.UpdatedPermissions) != 1 || string(res.UpdatedPermissions[0]) != string(s2) {
		t.Errorf("expected second suggestion, got %v", res.UpdatedPermissions)
	}
}

func TestSDKPermissionAnswersForwarded(t *testing.T) {
	sess, _ := startTestSDK(t, SDKConfig{}, nil)
	answers := json.RawMessage(`{"reason":"needed"}`)
	res := sess.permissionResult("tu-1", claudesdk.PermissionMeta{}, permOutcome{
		answer: &PermissionAnswer{OptionID: OptionIDAllow, Answers: answers},
	})
	if string(res.UpdatedInput) != string(answers) {
		t.Errorf("expected answers as updated input, got %s", res.UpdatedInput)
	}
}

func TestSDKConfigMutations(t *testing.T) {
	rec := &recorderSpy{}
	sess, starter := startTestSDK(t, SDKConfig{Options: claudesdk.Options{Model: "sonnet"}}, rec)

	// Without a live query the change persists for the next turn.
	if err := sess.SetModel(context.Background(), "opus"); err != nil {
		t.Fatalf("set model failed: %v", err)
	}
	rec.mu.Lock()
	if len(rec.configs) == 0 {
		rec.mu.Unlock()
		t.Fatalf("expected config snapshot to be recorded")
	}
	last := rec.configs[len(rec.configs)-1]
	rec.mu.Unlock()
	var snap claudesdk.Options
	if err := json.Unmarshal(last, &snap); err != nil {
		t.Fatalf("bad config snapshot: %v", err)
	}
	if snap.Model != "opus" {
		t.Errorf("expected persisted model opus, got %q", snap.Model)
	}

	// With a live query the change applies immediately too.
	go func() { _, _ = sess.SendPrompt(context.Background(), "go") }()
	q := starter.query(t, 0)
	waitForState(t, sess, StateProcessing)

	if err := sess.SetPermissionMode(context.Background(), "acceptEdits"); err != nil {
		t.Fatalf("set permission mode failed: %v", err)
	}
	q.mu.Lock()
	mode := q.mode
	q.mu.Unlock()
	if mode != "acceptEdits" {
		t.Errorf("expected mode applied to live query, got %q", mode)
	}

	if opts := starter.turnOpts(0); opts.Model != "opus" {
		t.Errorf("expected turn to use persisted model opus, got %q", opts.Model)
	}
	q.end()
	waitForState(t, sess, StateReady)
}

func TestSDKInfoCache(t *testing.T) {
	sess, starter := startTestSDK(t, SDKConfig{}, nil)

	// No query, no cache.
	if _, err := sess.SupportedModels(context.Background()); !errors.Is(err, ErrNoActiveQuery) {
		t.Fatalf("expected ErrNoActiveQuery, got %v", err)
	}

	go func() { _, _ = sess.SendPrompt(context.Background(), "go") }()
	q := starter.query(t, 0)
	q.models = json.RawMessage(`["opus","sonnet"]`)
	waitForState(t, sess, StateProcessing)

	val, err := sess.SupportedModels(context.Background())
	if err != nil {
		t.Fatalf("live lookup failed: %v", err)
	}
	if string(val) != `["opus","sonnet"]` {
		t.Errorf("unexpected models: %s", val)
	}

	q.end()
	waitForState(t, sess, StateReady)

	// After the turn the cached value serves.
	val, err = sess.SupportedModels(context.Background())
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if string(val) != `["opus","sonnet"]` {
		t.Errorf("unexpected cached models: %s", val)
	}

	// Rewind needs a live query.
	if _, err := sess.RewindFiles(context.Background(), "msg-1"); !errors.Is(err, ErrNoActiveQuery) {
		t.Errorf("expected ErrNoActiveQuery, got %v", err)
	}
}

func TestSDKTerminate(t *testing.T) {
	rec := &recorderSpy{}
	sess, _ := startTestSDK(t, SDKConfig{}, rec)

	// A pending permission request is denied with an interrupt.
	resCh := make(chan claudesdk.PermissionResult, 1)
	go func() {
		res, _ := sess.canUseTool(context.Background(), "Bash", nil, claudesdk.PermissionMeta{ToolUseID: "tu-1"})
		resCh <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for sess.perms.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("permission request never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Terminate(ctx); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	select {
	case res := <-resCh:
		if res.Behavior != claudesdk.BehaviorDeny || !res.Interrupt {
			t.Errorf("expected deny with interrupt, got %+v", res)
		}
		if res.Message != "session terminated" {
			t.Errorf("expected message %q, got %q", "session terminated", res.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("permission never resolved")
	}

	if sess.State() != StateTerminated {
		t.Errorf("expected state terminated, got %s", sess.State())
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Errorf("expected done channel to close")
	}
	if rec.lastState() != StateTerminated {
		t.Errorf("expected recorded state terminated, got %s", rec.lastState())
	}

	if _, err := sess.SendPrompt(context.Background(), "hi"); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("expected ErrSessionTerminated, got %v", err)
	}
	if err := sess.Terminate(context.Background()); err != nil {
		t.Errorf("second terminate failed: %v", err)
	}
}

func TestSDKIdleRecordsResumableState(t *testing.T) {
	rec := &recorderSpy{}
	starter := &fakeStarter{}
	sess := NewSDKSession("sdk-idle", starter.start, SDKConfig{IdleTimeout: 30 * time.Millisecond}, rec, testLogger())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sub := sess.Subscribe()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never idled out")
	}

	recvEventOfType(t, sub, EventIdle)
	if got := rec.lastState(); got != StateIdle {
		t.Errorf("expected final recorded state idle, got %s", got)
	}
	if sess.State() != StateTerminated {
		t.Errorf("expected live state terminated, got %s", sess.State())
	}
}
