package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"autotrader/internal/alertlog"
	"autotrader/internal/broker"
	"autotrader/internal/connectivity"
	"autotrader/internal/marketfeed"
	"autotrader/internal/router"
	"autotrader/internal/scheduler"
)

const telegramAPIBase = "https://api.telegram.org"

// BotConfig configures the Telegram command bot.
type BotConfig struct {
	Token  string
	ChatID string // authorized chat; empty allows /chatid discovery only

	// TOTPSecret, when set, gates the full-shutdown command behind a
	// one-time code.
	TOTPSecret string

	PollTimeout time.Duration // long-poll timeout, default 30s
	APIBase     string        // override for tests
}

// Bot long-polls the Telegram API and serves operator commands: trading
// status, alert history, connectivity identity and shutdown.
type Bot struct {
	cfg     BotConfig
	client  *http.Client
	alerts  *alertlog.Logger
	broker  *broker.Broker
	rt      *router.Router
	sched   *scheduler.Scheduler
	monitor *connectivity.Monitor
	feed    *marketfeed.Feed

	// Shutdown, when set, terminates the whole process. Reached only
	// through the TOTP-gated "/off all" command.
	Shutdown func()

	// AlertHistory, when set, answers /last from durable storage after a
	// restart has emptied the in-memory ring.
	AlertHistory func(limit int) ([]alertlog.Record, error)

	offset int64
}

// NewBot creates a command bot. feed may be nil.
func NewBot(cfg BotConfig, alerts *alertlog.Logger, b *broker.Broker, rt *router.Router, sched *scheduler.Scheduler, monitor *connectivity.Monitor, feed *marketfeed.Feed) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = telegramAPIBase
	}
	return &Bot{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		alerts:  alerts,
		broker:  b,
		rt:      rt,
		sched:   sched,
		monitor: monitor,
		feed:    feed,
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls for commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	log.Printf("[bot] command bot started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[bot] get updates: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			reply := b.Handle(u.Message.Chat.ID, u.Message.Text)
			if reply != "" {
				b.send(ctx, u.Message.Chat.ID, reply)
			}
		}
	}
}

// Handle dispatches one command and returns the reply text, or "" when the
// message should be ignored.
func (b *Bot) Handle(chatID int64, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i] // strip the @botname suffix used in groups
	}

	// /chatid works from anywhere so the operator can discover the id to
	// configure; everything else requires the authorized chat.
	if cmd == "/chatid" {
		return fmt.Sprintf("chat id: %d", chatID)
	}
	if !b.authorized(chatID) {
		return ""
	}

	switch cmd {
	case "/start", "/help":
		return strings.Join([]string{
			"/status - scheduler and trade status",
			"/last - recent alerts",
			"/ip - connectivity identity",
			"/off - stop the scheduler",
			"/off all <code> - full shutdown",
			"/chatid - show this chat's id",
		}, "\n")
	case "/status":
		return b.statusReply()
	case "/last":
		return b.lastReply()
	case "/ip":
		return b.ipReply()
	case "/off":
		return b.offReply(fields[1:])
	default:
		return "unknown command, try /help"
	}
}

func (b *Bot) authorized(chatID int64) bool {
	if b.cfg.ChatID == "" {
		return false
	}
	return strconv.FormatInt(chatID, 10) == b.cfg.ChatID
}

func (b *Bot) statusReply() string {
	var sb strings.Builder
	if b.sched != nil && b.sched.Running() {
		sb.WriteString("scheduler: running\n")
	} else {
		sb.WriteString("scheduler: stopped\n")
	}
	if b.rt != nil {
		names := b.rt.Names()
		active := b.rt.ActiveIndex()
		sb.WriteString(fmt.Sprintf("instances: %s\n", strings.Join(names, ", ")))
		if active >= 0 && active < len(names) {
			sb.WriteString(fmt.Sprintf("active: %s\n", names[active]))
		} else {
			sb.WriteString("active: none\n")
		}
	}
	if b.feed != nil {
		if price, at, ok := b.feed.LastPrice(); ok {
			sb.WriteString(fmt.Sprintf("mark price: %.2f (%s)\n", price, at.Format(time.RFC3339)))
		}
	}
	if b.broker != nil {
		trades := b.broker.Active()
		if len(trades) == 0 {
			sb.WriteString("open trades: none")
		} else {
			sb.WriteString("open trades:")
			for i, t := range trades {
				sb.WriteString(fmt.Sprintf("\n  #%d %s %s amt=%.4f entry=%.2f pnl=%.2f",
					i, t.Symbol, t.Side, t.PositionAmt, t.EntryPrice, t.UnrealizedPnL))
			}
		}
	}
	return sb.String()
}

func (b *Bot) lastReply() string {
	if b.alerts == nil {
		return "no alert history"
	}
	records := b.alerts.History()
	if len(records) == 0 && b.AlertHistory != nil {
		if persisted, err := b.AlertHistory(10); err == nil {
			records = persisted
		}
	}
	if len(records) == 0 {
		return "no alerts recorded"
	}
	var sb strings.Builder
	for _, r := range records {
		marker := " "
		if r.Alert {
			marker = "!"
		}
		sb.WriteString(fmt.Sprintf("%s %s %s\n", r.Time.Format("01-02 15:04:05"), marker, r.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) ipReply() string {
	if b.monitor == nil {
		return "connectivity monitor unavailable"
	}
	h := b.monitor.Health()
	state := "unreachable"
	if h.Reachable {
		state = "reachable"
	}
	ip := h.PublicIP
	if ip == "" {
		ip = "unknown"
	}
	return fmt.Sprintf("public ip: %s\nexchange: %s\nlast check: %s",
		ip, state, h.LastCheckedAt.Format(time.RFC3339))
}

func (b *Bot) offReply(args []string) string {
	if len(args) == 0 {
		if b.sched != nil {
			b.sched.Stop()
		}
		return "scheduler stop requested"
	}
	if args[0] != "all" {
		return "usage: /off or /off all <code>"
	}

	if b.cfg.TOTPSecret != "" {
		if len(args) < 2 || !totp.Validate(args[1], b.cfg.TOTPSecret) {
			return "full shutdown requires a valid one-time code"
		}
	}
	if b.sched != nil {
		b.sched.Stop()
	}
	if b.Shutdown != nil {
		b.Shutdown()
	}
	return "shutting down"
}

func (b *Bot) getUpdates(ctx context.Context) ([]update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=%d&offset=%d",
		b.cfg.APIBase, b.cfg.Token, int(b.cfg.PollTimeout.Seconds()), b.offset)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bot: getUpdates status %d", resp.StatusCode)
	}

	var payload struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, fmt.Errorf("bot: getUpdates not ok")
	}
	return payload.Result, nil
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", b.cfg.APIBase, b.cfg.Token)
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		log.Printf("[bot] send reply: %v", err)
		return
	}
	resp.Body.Close()
}
