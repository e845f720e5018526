// Package notify pushes finished-run summaries to a Telegram chat. It is
// send-only: no polling, no inbound commands.
package notify

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
)

type Config struct {
	Token  string
	ChatID int64
}

// Service implements the runner's record sink. Send failures and
// rate-limited drops never affect the run outcome.
type Service struct {
	bot     *tele.Bot
	chatID  int64
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Service, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return &Service{
		bot:    b,
		chatID: cfg.ChatID,
		// Runs finish minutes apart; one message per 10s absorbs any
		// restart burst without queueing.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		log:     log,
	}, nil
}

func (s *Service) RecordRun(rec logstore.Record) {
	if !s.limiter.Allow() {
		s.log.Warn().Msg("notification dropped by rate limit")
		return
	}
	chat := &tele.Chat{ID: s.chatID}
	if _, err := s.bot.Send(chat, formatRecord(rec)); err != nil {
		s.log.Warn().Err(err).Msg("telegram send failed")
	}
}

func formatRecord(rec logstore.Record) string {
	if rec.ErrorMessage != "" {
		return fmt.Sprintf(
			"⚠️ Speed test failed\n"+
				"━━━━━━━━━━━━━━━━━━━━\n"+
				"❌ %s\n"+
				"📡 Ping: %.2f ms\n"+
				"⬇️ Download: %.2f Mbps\n"+
				"🕐 %s",
			rec.ErrorMessage,
			rec.PingMs,
			rec.DownloadMbps,
			rec.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}
	return fmt.Sprintf(
		"🚀 Speed test results\n"+
			"━━━━━━━━━━━━━━━━━━━━\n"+
			"⬇️ Download: %.2f Mbps\n"+
			"⬆️ Upload: %.2f Mbps\n"+
			"📡 Ping: %.2f ms\n"+
			"📊 Jitter: %.2f ms\n"+
			"🌐 Network: %s | %d MB\n"+
			"🕐 %s",
		rec.DownloadMbps,
		rec.UploadMbps,
		rec.PingMs,
		rec.JitterMs,
		rec.NetworkType,
		rec.TestSizeMB,
		rec.Timestamp.Format("2006-01-02 15:04:05"),
	)
}
