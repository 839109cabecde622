// Package telegram is a concrete paired transport backed by Telegram bot
// accounts (one bot token per channel).
//
// Telegram bots authenticate by token rather than QR scan, so "pairing" here is
// a liveness handshake: BeginPairing returns a deep-link artifact and verifies
// the token in the background; a Connected event carrying the bot identity is
// emitted once the account responds.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "sendfleet/internal/runtime/supervisor"
	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

type Config struct {
	// Accounts maps channel id -> bot token.
	Accounts map[string]string

	PollTimeout time.Duration
	// ArtifactTTL bounds the validity of pairing artifacts. Default 45s.
	ArtifactTTL time.Duration
}

type account struct {
	token string

	mu  sync.Mutex
	bot *tele.Bot
}

type Adapter struct {
	cfg Config
	log logx.Logger

	accounts map[string]*account
	events   chan transport.ChannelEvent

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("telegram: no accounts configured")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	accs := make(map[string]*account, len(cfg.Accounts))
	for id, token := range cfg.Accounts {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("telegram: empty token for channel %q", id)
		}
		accs[id] = &account{token: token}
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		accounts: accs,
		events:   make(chan transport.ChannelEvent, 64),
	}, nil
}

func (a *Adapter) Events() <-chan transport.ChannelEvent { return a.events }

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
		// Keep shutdown snappy even if a getMe call is still in flight.
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
	}
	return nil
}

// BeginPairing verifies the channel's bot token in the background and returns
// the deep-link artifact immediately. Handshake outcome arrives on Events().
func (a *Adapter) BeginPairing(ctx context.Context, channelID string) (transport.PairingArtifact, error) {
	acc, ok := a.accounts[channelID]
	if !ok {
		return transport.PairingArtifact{}, fmt.Errorf("telegram: unknown channel %q", channelID)
	}

	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	if sup == nil {
		return transport.PairingArtifact{}, errors.New("telegram: adapter not started")
	}

	expires := time.Now().Add(a.cfg.ArtifactTTL)

	sup.Go0("pair."+channelID, func(c context.Context) {
		bot, err := acc.connect(a.cfg.PollTimeout)
		if err != nil {
			a.emit(transport.ChannelEvent{
				ChannelID: channelID,
				Kind:      transport.EventDisconnected,
				At:        time.Now(),
				Reason:    err.Error(),
			})
			return
		}
		a.emit(transport.ChannelEvent{
			ChannelID: channelID,
			Kind:      transport.EventConnected,
			At:        time.Now(),
			Identity:  "@" + bot.Me.Username,
		})
	})

	// The artifact is informational for token-authenticated accounts: a deep
	// link an operator can open to confirm the right bot is live.
	return transport.PairingArtifact{
		ChannelID: channelID,
		Data:      "tg://resolve?domain=" + channelID,
		ExpiresAt: expires,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, channelID string, to transport.Recipient, msg transport.Message) (transport.Ack, error) {
	acc, ok := a.accounts[channelID]
	if !ok {
		return transport.Ack{}, transport.NetworkError(fmt.Errorf("telegram: unknown channel %q", channelID))
	}
	bot := acc.current()
	if bot == nil {
		return transport.Ack{}, transport.NetworkError(errors.New("telegram: channel not paired"))
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(to.Address), 10, 64)
	if err != nil {
		return transport.Ack{}, transport.RecipientInvalid(fmt.Errorf("telegram: bad chat id %q", to.Address))
	}

	if ctx != nil {
		select {
		case <-ctx.Done():
			return transport.Ack{}, transport.NetworkError(ctx.Err())
		default:
		}
	}

	m, err := bot.Send(&tele.Chat{ID: chatID}, msg.Text)
	if err != nil {
		return transport.Ack{}, classify(err)
	}
	return transport.Ack{MessageID: strconv.Itoa(m.ID), At: time.Now()}, nil
}

// classify maps telebot errors onto the transport error taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 429:
			return transport.RateLimited(err, 0)
		case te.Code == 403:
			// Blocked by user / kicked from chat: permanent for this recipient.
			return transport.RecipientInvalid(err)
		case te.Code == 400 && strings.Contains(strings.ToLower(te.Description), "chat not found"):
			return transport.RecipientInvalid(err)
		}
	}
	return transport.NetworkError(err)
}

func (a *Adapter) emit(e transport.ChannelEvent) {
	select {
	case a.events <- e:
	default:
		a.log.Warn("transport event dropped (consumer slow)",
			logx.String("channel", e.ChannelID), logx.String("kind", e.Kind.String()))
	}
}

func (acc *account) connect(pollTimeout time.Duration) (*tele.Bot, error) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.bot != nil {
		return acc.bot, nil
	}
	// Offline settings: tele.NewBot performs getMe, which is the handshake.
	b, err := tele.NewBot(tele.Settings{
		Token:  acc.token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, err
	}
	acc.bot = b
	return b, nil
}

func (acc *account) current() *tele.Bot {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.bot
}
