// Package bot delivers ladder notifications over Discord private messages.
// It has no command surface, the admission API is how players interact with
// the ladder.
package bot

import (
	"fmt"
	"log"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"nydus/internal/back"
)

type Bot struct {
	dg *discordgo.Session

	// directory maps ladder player IDs to Discord user IDs. Players
	// without an entry silently lose their notifications, which beats
	// hammering the retry loop for someone we cannot reach anyway.
	directory map[uuid.UUID]string

	mu       sync.Mutex
	channels map[string]string // Discord user ID to DM channel ID
}

func New(token string, directory map[uuid.UUID]string) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	return &Bot{
		dg:        dg,
		directory: directory,
		channels:  map[string]string{},
	}, nil
}

func (bot *Bot) Serve(wg *sync.WaitGroup, done <-chan struct{}) {
	wg.Add(1)
	defer wg.Done()
	log.Print("info: starting Discord bot")

	if err := bot.dg.Open(); err != nil {
		log.Printf("error: unable to open Discord session: %s", err)
		return
	}

	<-done
	if err := bot.dg.Close(); err != nil {
		log.Printf("warning: unable to close Discord session: %s", err)
	}
}

// Send implements back.Notifier.
func (bot *Bot) Send(n *back.Notification) error {
	userID, ok := bot.directory[n.Recipient]
	if !ok {
		log.Printf("warning: no Discord user for player %s, dropping notification", n.Recipient)
		return nil
	}

	channelID, err := bot.userChannel(userID)
	if err != nil {
		return fmt.Errorf("unable to create user channel: %w", err)
	}

	if _, err := bot.dg.ChannelMessageSend(channelID, n.Body()); err != nil {
		return err
	}
	log.Printf("info: <to user %s (chan %s)>: %s", userID, channelID, n.Body())

	return nil
}

func (bot *Bot) userChannel(userID string) (string, error) {
	bot.mu.Lock()
	defer bot.mu.Unlock()

	if channelID, ok := bot.channels[userID]; ok {
		return channelID, nil
	}

	channel, err := bot.dg.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}
	bot.channels[userID] = channel.ID

	return channel.ID, nil
}
