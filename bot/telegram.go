package bot

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spikebot/storage"
	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trading notifications & status
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   ⚡ Spike alerts
//   💰 Position notifications (open/close with reason)
//   🎛️ /status command
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider provides engine statistics for /status.
type StatsProvider interface {
	Stats() (spikes, opened, closed, active int)
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	statsProvider StatsProvider
	db            *storage.Database // may be nil
	symbol        string
}

// NewTelegramBot creates a bot. Returns an error when the token is invalid;
// callers typically skip the bot entirely when no token is configured.
func NewTelegramBot(token string, chatID int64, statsProvider StatsProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:           api,
		chatID:        chatID,
		stopCh:        make(chan struct{}),
		statsProvider: statsProvider,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// SetDatabase wires history queries for /stats and /recent.
func (b *TelegramBot) SetDatabase(db *storage.Database, symbol string) {
	b.db = db
	b.symbol = symbol
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifySpike sends a spike alert.
func (b *TelegramBot) NotifySpike(e types.SpikeEvent) {
	arrow := "🟢"
	if e.Direction() < 0 {
		arrow = "🔴"
	}

	change := "∞"
	if e.ChangeBps != types.InfiniteChangeBps {
		change = fmt.Sprintf("%d.%02d%%", e.ChangeBps/100, e.ChangeBps%100)
	}

	msg := fmt.Sprintf(`%s *SPIKE DETECTED*

📊 *%s*
━━━━━━━━━━━━━━━━
💵 Price: *%s*
↩️ Previous: *%s*
⚡ Change: *%s*`,
		arrow,
		e.Symbol,
		e.CurrentPrice.StringFixed(2),
		e.PreviousPrice.StringFixed(2),
		change,
	)

	b.sendMarkdown(msg)
}

// NotifyPositionOpened sends an open alert.
func (b *TelegramBot) NotifyPositionOpened(ev types.PositionOpened) {
	side := "LONG 🟢"
	if !ev.IsLong {
		side = "SHORT 🔴"
	}

	msg := fmt.Sprintf(`✅ *POSITION OPENED*

📊 *%s* - %s
💵 Entry: *%s*
📦 Amount: *%s*
🆔 %s`,
		ev.Symbol, side,
		ev.EntryPrice.StringFixed(2),
		ev.Amount.StringFixed(4),
		shortID(ev.PositionID.Hex()),
	)

	b.sendMarkdown(msg)
}

// NotifyPositionClosed sends a close alert with the reason tag.
func (b *TelegramBot) NotifyPositionClosed(ev types.PositionClosed) {
	emoji := "📊"
	if strings.HasPrefix(ev.Reason, "TP") {
		emoji = "💰"
	} else if strings.HasPrefix(ev.Reason, "SL") {
		emoji = "🛑"
	}

	msg := fmt.Sprintf(`%s *POSITION CLOSED* - %s

💵 Exit: *%s*
📦 Out: *%s*
🆔 %s`,
		emoji, ev.Reason,
		ev.ExitPrice.StringFixed(2),
		ev.AmountOut.StringFixed(4),
		shortID(ev.PositionID.Hex()),
	)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch cmd {
	case "status":
		if b.statsProvider == nil {
			b.sendMarkdown("No stats available")
			return
		}
		spikes, opened, closed, active := b.statsProvider.Stats()
		msg := fmt.Sprintf(`📈 *STATUS*

⚡ Spikes: *%d*
✅ Opened: *%d*
📊 Closed: *%d*
🔥 Active: *%d*`,
			spikes, opened, closed, active)
		b.sendMarkdown(msg)

	case "stats":
		if b.db == nil {
			b.sendMarkdown("No database wired")
			return
		}
		stats, err := b.db.Stats()
		if err != nil {
			b.sendMarkdown("Stats query failed")
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, `💾 *HISTORY*

⚡ Spikes: *%d*
📦 Clusters: *%d* (failed: %d)
📊 Positions closed: *%d*`,
			stats["spikes"], stats["clusters"], stats["clusters_failed"], stats["positions_closed"])
		if clusters, err := b.db.GetClusters(b.symbol, 3); err == nil && len(clusters) > 0 {
			sb.WriteString("\n\nLast clusters:")
			for _, c := range clusters {
				fmt.Fprintf(&sb, "\n#%d %s (%d↑ %d↓)", c.Epoch, c.Status, c.UpMoves, c.DownMoves)
			}
		}
		b.sendMarkdown(sb.String())

	case "recent":
		if b.db == nil {
			b.sendMarkdown("No database wired")
			return
		}
		spikes, err := b.db.GetRecentSpikes(b.symbol, 5)
		if err != nil || len(spikes) == 0 {
			b.sendMarkdown("No recent spikes")
			return
		}
		var sb strings.Builder
		sb.WriteString("⚡ *RECENT SPIKES*\n")
		for _, s := range spikes {
			fmt.Fprintf(&sb, "\n%s  %s (%d bps)", s.At.Format("15:04:05"), s.CurrentPrice.StringFixed(2), s.ChangeBps)
		}
		b.sendMarkdown(sb.String())

	case "positions":
		if b.db == nil {
			b.sendMarkdown("No database wired")
			return
		}
		records, err := b.db.GetRecentPositions(5)
		if err != nil || len(records) == 0 {
			b.sendMarkdown("No positions yet")
			return
		}
		var sb strings.Builder
		sb.WriteString("📊 *RECENT POSITIONS*\n")
		for _, p := range records {
			side := "LONG"
			if !p.IsLong {
				side = "SHORT"
			}
			fmt.Fprintf(&sb, "\n%s %s @ %s [%s]", side, p.Symbol, p.EntryPrice.StringFixed(2), p.Status)
			if p.CloseReason != "" {
				fmt.Fprintf(&sb, " %s", p.CloseReason)
			}
		}
		b.sendMarkdown(sb.String())

	case "help", "start":
		b.sendMarkdown("Commands:\n/status - engine counters\n/stats - history totals\n/recent - last spikes\n/positions - position history")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Failed to send Telegram message")
	}
}

func shortID(hex string) string {
	if len(hex) > 14 {
		return hex[:10] + "…" + hex[len(hex)-4:]
	}
	return hex
}
