// Package alerts implements the Turbo Executor's post-trade alerting side
// effect. Telegram alerting is an explicit external collaborator (spec §1);
// this package narrows it to the one call the executor's background
// side-effect channel needs.
//
// Grounded on cmd/bot/telegram-bot.go's tgbotapi.NewBotAPI/NewMessage usage.
package alerts

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender posts trade alerts to a user's chat.
type Sender struct {
	bot *tgbotapi.BotAPI
}

func New(botToken string) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	return &Sender{bot: bot}, nil
}

// TradeOpened sends the "bought" alert. chatID is the Telegram chat backing
// userID; resolving that mapping is the caller's concern.
func (s *Sender) TradeOpened(chatID int64, mint, txHash string) error {
	msg := tgbotapi.NewMessage(chatID, "🟢 Bought "+mint+"\ntx: "+txHash)
	_, err := s.bot.Send(msg)
	return err
}

// ExitFired sends the "sold" alert with the exit reason.
func (s *Sender) ExitFired(chatID int64, mint, reason, txHash string) error {
	msg := tgbotapi.NewMessage(chatID, "🔴 Exited "+mint+" ("+reason+")\ntx: "+txHash)
	_, err := s.bot.Send(msg)
	return err
}
