package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	rtsup "rssbot/internal/runtime/supervisor"
	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

// ConfigEventType is the room state event carrying a room's feed list, and
// the account data key holding the known entry set.
const ConfigEventType = "de.johni0702.rssbot"

var configStateType = event.Type{Type: ConfigEventType, Class: event.StateEventType}

type Config struct {
	HomeserverURL string
	UserID        string
	Token         string

	CommandPrefix  string
	AutoJoin       bool
	RequestTimeout time.Duration
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	client *mautrix.Client
	self   id.UserID

	out     atomic.Value // stores (chan<- transport.Event)
	runMu   sync.Mutex
	running bool
	// verified skips a second whoami when Verify ran before Start.
	verified atomic.Bool
	// startedAt filters out timeline history replayed by the first sync.
	startedAt time.Time

	// sup owns the sync loop. Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("matrix access token is empty")
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!rss"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	uid := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.HomeserverURL, uid, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, client: client, self: uid}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) UserID() string { return string(a.self) }

// Supervisor returns the adapter's supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) reqCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.RequestTimeout)
}

// Verify checks the credentials against the homeserver.
func (a *Adapter) Verify(ctx context.Context) error {
	rctx, cancel := a.reqCtx(ctx)
	defer cancel()
	resp, err := a.client.Whoami(rctx)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if a.self != "" && resp.UserID != a.self {
		return fmt.Errorf("token belongs to %s, not %s", resp.UserID, a.self)
	}
	a.self = resp.UserID
	a.verified.Store(true)
	return nil
}

// Start verifies credentials, emits the configuration of every joined room
// and then runs the sync loop in the background.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.runMu.Unlock()

	if !a.verified.Load() {
		if err := a.Verify(ctx); err != nil {
			return err
		}
	}

	rctx, cancel := a.reqCtx(ctx)
	joined, err := a.client.JoinedRooms(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("joined rooms: %w", err)
	}
	a.log.Info("matrix connected", logx.String("user", string(a.self)), logx.Int("rooms", len(joined.JoinedRooms)))

	for _, room := range joined.JoinedRooms {
		ev, err := a.readRoomConfig(ctx, room)
		if err != nil {
			// one unreadable room must not block startup
			a.log.Warn("room config read failed", logx.String("room", string(room)), logx.Err(err))
			continue
		}
		if !emit(ctx, out, ev) {
			return ctx.Err()
		}
	}

	a.runMu.Lock()
	a.running = true
	a.startedAt = time.Now()
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "matrix.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	syncer, ok := a.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEvent(a.handleEvent)

	sup.Go0("matrix.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.client.StopSync()
	})
	sup.GoRestart("matrix.sync", func(c context.Context) error {
		a.log.Debug("sync started")
		err := a.client.SyncWithContext(c)
		a.log.Debug("sync stopped", logx.Err(err))
		return err
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	if err := sup.Stop(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("matrix stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("matrix stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// readRoomConfig fetches the room's config state. A missing state event
// yields an event with nil Content.
func (a *Adapter) readRoomConfig(ctx context.Context, room id.RoomID) (transport.Event, error) {
	ev := transport.Event{Kind: transport.EventRoomConfig, RoomID: string(room)}
	rctx, cancel := a.reqCtx(ctx)
	defer cancel()
	var raw json.RawMessage
	err := a.client.StateEvent(rctx, room, configStateType, "", &raw)
	switch {
	case errors.Is(err, mautrix.MNotFound):
		return ev, nil
	case err != nil:
		return ev, err
	}
	ev.Content = raw
	return ev, nil
}

func emit(ctx context.Context, out chan<- transport.Event, ev transport.Event) bool {
	if out == nil {
		return true
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleEvent runs on the sync goroutine. Sends block so room config is
// never dropped; the consumer is expected to keep up.
func (a *Adapter) handleEvent(ctx context.Context, evt *event.Event) {
	out, _ := a.out.Load().(chan<- transport.Event)
	if out == nil {
		return
	}
	a.runMu.Lock()
	since := a.startedAt
	a.runMu.Unlock()

	act, ev := classify(evt, a.self, a.cfg.CommandPrefix, since)
	switch act {
	case actionNone:
		return
	case actionInvite:
		if !a.cfg.AutoJoin {
			a.log.Info("invite ignored (auto_join disabled)", logx.String("room", ev.RoomID), logx.String("sender", ev.Sender))
			return
		}
		ev, err := a.join(ctx, id.RoomID(ev.RoomID))
		if err != nil {
			a.log.Warn("auto-join failed", logx.String("room", string(evt.RoomID)), logx.Err(err))
			return
		}
		emit(ctx, out, ev)
	case actionRefresh:
		ev, err := a.readRoomConfig(ctx, id.RoomID(ev.RoomID))
		if err != nil {
			a.log.Warn("room config read failed", logx.String("room", string(evt.RoomID)), logx.Err(err))
			return
		}
		emit(ctx, out, ev)
	default:
		emit(ctx, out, ev)
	}
}

func (a *Adapter) join(ctx context.Context, room id.RoomID) (transport.Event, error) {
	rctx, cancel := a.reqCtx(ctx)
	_, err := a.client.JoinRoomByID(rctx, room)
	cancel()
	if err != nil {
		return transport.Event{}, err
	}
	a.log.Info("joined room", logx.String("room", string(room)))
	return a.readRoomConfig(ctx, room)
}

func (a *Adapter) SendNotice(ctx context.Context, roomID, plain, html string) error {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: plain}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	_, err := a.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	return err
}

func (a *Adapter) GetAccountData(ctx context.Context, key string, out any) error {
	err := a.client.GetAccountData(ctx, key, out)
	if errors.Is(err, mautrix.MNotFound) {
		return transport.ErrNotFound
	}
	return err
}

func (a *Adapter) SetAccountData(ctx context.Context, key string, v any) error {
	return a.client.SetAccountData(ctx, key, v)
}
