package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCFeed reads a channel's chat over Twitch IRC.
type IRCFeed struct {
	Channel  string
	Username string
	// Token is a user access token with chat:read; "oauth:" is added when missing.
	Token string

	// addr overrides the IRC server and disables TLS.
	addr string

	mu     sync.Mutex
	client *twitch.Client
	closed bool
}

// Run connects and blocks until Close or a connection failure.
func (f *IRCFeed) Run(handle func(RawMessage)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return twitch.ErrClientDisconnected
	}
	var client *twitch.Client
	if f.Username == "" || f.Token == "" {
		client = twitch.NewAnonymousClient()
	} else {
		tok := f.Token
		if !strings.HasPrefix(tok, "oauth:") {
			tok = "oauth:" + tok
		}
		client = twitch.NewClient(f.Username, tok)
	}
	if f.addr != "" {
		client.IrcAddress = f.addr
		client.TLS = false
	}
	// Disconnect is a no-op until the welcome arrives, and every redial resets it.
	client.OnConnect(func() {
		if f.isClosed() {
			_ = client.Disconnect()
		}
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		handle(fromPrivateMessage(m))
	})
	client.Join(strings.ToLower(f.Channel))
	f.client = client
	f.mu.Unlock()

	err := client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

// Close disconnects the client. A client that is still dialing disconnects as soon as
// it connects. Later Run calls return immediately.
func (f *IRCFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		return err
	}
	return nil
}

func (f *IRCFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func fromPrivateMessage(m twitch.PrivateMessage) RawMessage {
	author := m.User.DisplayName
	if author == "" {
		author = m.User.Name
	}
	sent := m.Time
	if sent.IsZero() {
		sent = time.Now()
	}
	_, mod := m.User.Badges["moderator"]
	_, vip := m.User.Badges["vip"]
	_, sub := m.User.Badges["subscriber"]
	_, founder := m.User.Badges["founder"]
	_, broadcaster := m.User.Badges["broadcaster"]
	return RawMessage{
		ID:          m.ID,
		SentAt:      sent,
		Author:      author,
		AuthorID:    m.User.ID,
		Body:        m.Message,
		BitsTag:     m.Tags["bits"],
		Color:       m.User.Color,
		EmotesTag:   m.Tags["emotes"],
		Moderator:   mod || m.User.IsMod,
		VIP:         vip || m.User.IsVip,
		Subscriber:  sub || founder || m.Tags["subscriber"] == "1",
		Broadcaster: broadcaster,
	}
}
