package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/songbot/cache"
	"github.com/onnwee/songbot/commands"
	"github.com/onnwee/songbot/flags"
	"github.com/onnwee/songbot/queue"
	"github.com/onnwee/songbot/ratelimit"
	"github.com/onnwee/songbot/spotify"
	"github.com/onnwee/songbot/telemetry"
)

// Bot wires chat messages to the song queue, the command catalog, and the
// rate limiter. The IRC transport lives only in Run; everything else takes a
// parsed message so it can run under test.
type Bot struct {
	Channel    string
	Username   string
	OAuthToken string

	Registry *commands.Registry
	Limiter  *ratelimit.Limiter
	Flags    *flags.Store
	Queue    *queue.Store
	Spotify  *spotify.Client
	Coord    *cache.Coordinator

	// Per-user song request budget.
	RequestLimit  int
	RequestWindow time.Duration
}

type chatUser struct {
	Name          string
	IsModerator   bool
	IsBroadcaster bool
}

func (u chatUser) privileged() bool { return u.IsModerator || u.IsBroadcaster }

// Run connects to Twitch IRC and dispatches messages until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	if b.Channel == "" || b.Username == "" || b.OAuthToken == "" {
		return fmt.Errorf("missing twitch chat credentials")
	}
	client := twitch.NewClient(b.Username, b.OAuthToken)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		user := chatUser{Name: msg.User.Name}
		if _, ok := msg.User.Badges["moderator"]; ok {
			user.IsModerator = true
		}
		if _, ok := msg.User.Badges["broadcaster"]; ok {
			user.IsBroadcaster = true
		}
		msgCtx := telemetry.WithCorrelation(ctx, uuid.New().String())
		reply := b.handleMessage(msgCtx, user, msg.Message)
		if reply != "" {
			client.Say(b.Channel, reply)
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(b.Channel)
	slog.Info("chat bot connecting", slog.String("channel", b.Channel), slog.String("component", "chat"))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	<-done
	return nil
}

// handleMessage returns the reply for a chat line, or "" for no reply.
func (b *Bot) handleMessage(ctx context.Context, user chatUser, text string) string {
	name, args := parseCommand(text)
	if name == "" {
		return ""
	}

	switch name {
	case "!sr":
		return b.handleSongRequest(ctx, user, args, false)
	case "!psr":
		return b.handleSongRequest(ctx, user, args, true)
	case "!skip":
		return b.handleSkip(ctx, user)
	case "!song":
		return b.handleNowPlaying(ctx)
	case "!queue":
		return b.handleQueue(ctx)
	}
	return b.handleCustomCommand(ctx, user, name)
}

func (b *Bot) handleSongRequest(ctx context.Context, user chatUser, args string, priority bool) string {
	if args == "" {
		return "@" + user.Name + " usage: !sr <spotify track link>"
	}

	open, err := b.Flags.IsEnabled(ctx, flags.SongRequestsOpen)
	if err != nil {
		slog.Warn("flag check failed", slog.Any("err", err), slog.String("component", "chat"))
		return ""
	}
	if !open {
		return "@" + user.Name + " song requests are closed right now"
	}

	if priority {
		if !user.privileged() {
			return "@" + user.Name + " priority requests are for mods only"
		}
		enabled, err := b.Flags.IsEnabled(ctx, flags.PriorityRequests)
		if err != nil {
			slog.Warn("flag check failed", slog.Any("err", err), slog.String("component", "chat"))
			return ""
		}
		if !enabled {
			return "@" + user.Name + " priority requests are disabled"
		}
	} else {
		ok, err := b.Limiter.Allow(ctx, user.Name, "songrequest", b.requestLimit(), b.requestWindow())
		if err != nil {
			slog.Warn("rate limit check failed", slog.Any("err", err), slog.String("component", "chat"))
			return ""
		}
		if !ok {
			return "@" + user.Name + " you have hit your request limit, try again later"
		}
	}

	track, err := b.Spotify.GetTrack(ctx, args)
	if err != nil {
		slog.Debug("track resolution failed", slog.String("ref", args), slog.Any("err", err), slog.String("component", "chat"))
		return "@" + user.Name + " couldn't find that track"
	}

	item := queue.Item{
		TrackRef:      track.ID,
		DisplayName:   track.Name,
		DisplayArtist: track.Artist,
		RequestedBy:   user.Name,
	}
	if priority {
		err = b.Queue.InsertHead(ctx, item)
	} else {
		err = b.Queue.AppendTail(ctx, item)
	}
	if err != nil {
		slog.Error("queue mutation failed", slog.Any("err", err), slog.String("component", "chat"))
		return "@" + user.Name + " something went wrong queueing that, try again"
	}

	b.publishEvent(ctx, fmt.Sprintf("enqueued %s by %s for %s", track.Name, track.Artist, user.Name))
	if priority {
		return fmt.Sprintf("@%s bumped %s by %s to the front of the queue", user.Name, track.Name, track.Artist)
	}
	pos, lenErr := b.Queue.Len(ctx)
	if lenErr != nil {
		return fmt.Sprintf("@%s queued %s by %s", user.Name, track.Name, track.Artist)
	}
	return fmt.Sprintf("@%s queued %s by %s (position %d)", user.Name, track.Name, track.Artist, pos)
}

func (b *Bot) handleSkip(ctx context.Context, user chatUser) string {
	if !user.privileged() {
		return ""
	}
	removed, err := b.Queue.RemoveHead(ctx)
	if err != nil {
		slog.Error("skip failed", slog.Any("err", err), slog.String("component", "chat"))
		return ""
	}
	if removed == nil {
		return "the queue is empty"
	}
	b.publishEvent(ctx, fmt.Sprintf("skipped %s by %s", removed.DisplayName, removed.DisplayArtist))
	return fmt.Sprintf("skipped %s by %s", removed.DisplayName, removed.DisplayArtist)
}

func (b *Bot) handleNowPlaying(ctx context.Context) string {
	items := b.Queue.ListAll(ctx)
	if len(items) == 0 {
		return "nothing queued"
	}
	head := items[0]
	return fmt.Sprintf("up next: %s by %s (requested by %s)", head.DisplayName, head.DisplayArtist, head.RequestedBy)
}

func (b *Bot) handleQueue(ctx context.Context) string {
	items := b.Queue.ListAll(ctx)
	if len(items) == 0 {
		return "the queue is empty"
	}
	shown := items
	if len(shown) > 3 {
		shown = shown[:3]
	}
	parts := make([]string, 0, len(shown))
	for _, it := range shown {
		parts = append(parts, fmt.Sprintf("%d. %s by %s", it.Position, it.DisplayName, it.DisplayArtist))
	}
	summary := strings.Join(parts, " | ")
	if len(items) > len(shown) {
		summary += fmt.Sprintf(" (+%d more)", len(items)-len(shown))
	}
	return summary
}

func (b *Bot) handleCustomCommand(ctx context.Context, user chatUser, name string) string {
	enabled, err := b.Flags.IsEnabled(ctx, flags.CommandsEnabled)
	if err != nil || !enabled {
		return ""
	}
	cmd, err := b.Registry.Lookup(ctx, name)
	if err != nil {
		slog.Warn("command lookup failed", slog.String("command", name), slog.Any("err", err), slog.String("component", "chat"))
		return ""
	}
	if cmd == nil || !cmd.Enabled {
		return ""
	}
	if cmd.CooldownSeconds > 0 {
		// Channel-wide cooldown: one use per window regardless of user.
		ok, err := b.Limiter.Allow(ctx, b.Channel, "cmd:"+name, 1, time.Duration(cmd.CooldownSeconds)*time.Second)
		if err != nil || !ok {
			return ""
		}
	}
	if telemetry.CommandsServed != nil {
		telemetry.CommandsServed.Inc()
	}
	return cmd.Response
}

func (b *Bot) publishEvent(ctx context.Context, payload string) {
	q := b.Coord.QueueManager()
	if q == nil {
		return
	}
	if err := q.Publish(ctx, payload); err != nil {
		slog.Debug("event publish failed", slog.Any("err", err), slog.String("component", "chat"))
	}
}

func (b *Bot) requestLimit() int {
	if b.RequestLimit > 0 {
		return b.RequestLimit
	}
	return 3
}

func (b *Bot) requestWindow() time.Duration {
	if b.RequestWindow > 0 {
		return b.RequestWindow
	}
	return 15 * time.Minute
}

// parseCommand splits a chat line into a lowercased command name and its
// argument string. Lines that are not commands return an empty name.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return "", ""
	}
	name, args, _ := strings.Cut(text, " ")
	if len(name) < 2 {
		return "", ""
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
