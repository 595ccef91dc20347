package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/internal/router"
	"github.com/a-essam23/go-courier/pkg/logging"
	"github.com/a-essam23/go-courier/pkg/pipeline"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/a-essam23/go-courier/pkg/state/statemanager"
	"github.com/a-essam23/go-courier/pkg/state/statetest"
)

type frameLog struct{ frames []string }

func (f *frameLog) Frame(channel, kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	f.frames = append(f.frames, channel+"/"+kind+"/"+outcome)
}

type recorded struct {
	cargo *pipeline.Cargo
	calls int
}

func recordingAction(rec *recorded, err error) pipeline.ActionFunc {
	return func(c *pipeline.Cargo) error {
		rec.calls++
		rec.cargo = c
		return err
	}
}

func setup(t *testing.T, ch state.Channel, userID string) (*statemanager.InMemoryManager, *statetest.Conn) {
	t.Helper()
	reg := statemanager.NewInMemoryManager(logging.Discard())
	conn := statetest.NewConn()
	if _, err := reg.Add(conn, ch, "10.0.0.1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if userID != "" {
		if _, err := reg.Register(conn.ID(), userID); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	return reg, conn
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	reg, conn := setup(t, state.ChannelChat, "")
	obs := &frameLog{}
	r := router.NewEventRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{}, router.Options{Observer: obs})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{not json`))
	got := conn.Last()
	if got["kind"] != "error" || got["code"] != "Malformed" {
		t.Fatalf("unexpected reply %v", got)
	}

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"teleport"}`))
	got = conn.Last()
	if got["code"] != "InvalidKind" || got["forKind"] != "teleport" {
		t.Errorf("unexpected reply %v", got)
	}
	if len(obs.frames) != 2 || obs.frames[1] != "chat/unknown/error" {
		t.Errorf("unknown kinds should be folded into one label, got %v", obs.frames)
	}
}

func TestIdentityRequiredBeforeOtherKinds(t *testing.T) {
	reg, conn := setup(t, state.ChannelChat, "")
	send := &recorded{}
	identify := &recorded{}
	r := router.NewEventRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{
		"sendChat": {Kind: "sendChat", Action: recordingAction(send, nil)},
		"identify": {Kind: "identify", Action: recordingAction(identify, nil)},
	}, router.Options{Subject: func(context.Context) string { return "alice" }})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"sendChat","chatId":"1-2","content":{"type":"text","body":"hi"}}`))
	if send.calls != 0 {
		t.Fatal("action ran for an anonymous connection")
	}
	if got := conn.Last(); got["code"] != "NotIdentified" || got["forKind"] != "sendChat" {
		t.Errorf("unexpected reply %v", got)
	}

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"identify","userId":"alice"}`))
	if identify.calls != 1 {
		t.Fatal("identify should run anonymously")
	}
	c := identify.cargo
	if c.Subject != "alice" || c.UserID != "" || c.Kind != "identify" || c.Connection.ID != conn.ID() {
		t.Errorf("unexpected cargo %+v", c)
	}
	if req, ok := c.Request.(protocol.Identify); !ok || req.UserID != "alice" {
		t.Errorf("request not decoded: %#v", c.Request)
	}
}

func TestActionErrorsAreReported(t *testing.T) {
	reg, conn := setup(t, state.ChannelChat, "u1")
	storeDown := apperr.Persistence(errors.New("database is locked"))
	r := router.NewEventRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{
		"joinChat":   {Kind: "joinChat", Action: recordingAction(&recorded{}, apperr.ErrNotAMember)},
		"leaveGroup": {Kind: "leaveGroup", Action: recordingAction(&recorded{}, storeDown)},
	}, router.Options{})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"joinChat","target":"g1"}`))
	if got := conn.Last(); got["code"] != "NotAMember" || got["forKind"] != "joinChat" {
		t.Errorf("unexpected reply %v", got)
	}

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"leaveGroup","chatId":"g1"}`))
	got := conn.Last()
	if got["code"] != "PersistenceFailure" || got["reason"] != "storage failure" {
		t.Errorf("persistence details must not leak, got %v", got)
	}

	// a decodable kind without a pipeline
	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"disbandGroup","chatId":"g1"}`))
	if got := conn.Last(); got["code"] != "InvalidKind" {
		t.Errorf("unexpected reply %v", got)
	}
}

func TestSuccessSendsNoErrorFrame(t *testing.T) {
	reg, conn := setup(t, state.ChannelChat, "u1")
	rec := &recorded{}
	r := router.NewEventRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{
		"heartbeat": {Kind: "heartbeat", Action: func(c *pipeline.Cargo) error {
			rec.calls++
			c.Reply(protocol.HeartbeatReply())
			return nil
		}},
	}, router.Options{})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"heartbeat"}`))
	if frames := conn.Decoded(); len(frames) != 1 || frames[0]["kind"] != "heartbeat" {
		t.Errorf("expected exactly the heartbeat reply, got %v", frames)
	}
}

func TestSignalRouterErrorShape(t *testing.T) {
	reg, conn := setup(t, state.ChannelSignal, "")
	r := router.NewSignalRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{}, router.Options{})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"event":"accept-call","data":{"callId":"c1","signal":{}}}`))
	got := conn.Last()
	data, _ := got["data"].(map[string]any)
	if got["event"] != "error" || data["forEvent"] != "accept-call" {
		t.Fatalf("unexpected reply %v", got)
	}

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"event":"call-user","data":{"receiverId":"b","callType":"hologram","signal":{}}}`))
	data, _ = conn.Last()["data"].(map[string]any)
	if data["code"] != "InvalidCallType" {
		t.Errorf("expected InvalidCallType, got %v", data)
	}
}

func TestUntrackedConnectionIsIgnored(t *testing.T) {
	reg, conn := setup(t, state.ChannelChat, "")
	reg.Unregister(conn.ID(), "closed")
	r := router.NewEventRouter(logging.Discard(), reg, map[string]*pipeline.Pipeline{}, router.Options{})

	r.HandleMessage(context.Background(), conn.ID(), []byte(`{"kind":"heartbeat"}`))
	if len(conn.Frames()) != 0 {
		t.Error("no reply expected for an untracked connection")
	}
}
