// Package transport defines how deliveries and command replies reach a
// chat, independent of the messaging platform.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ChatTarget addresses a chat and optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String is the recipient id used as the state store key.
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseTarget is the inverse of ChatTarget.String.
func ParseTarget(id string) (ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(id), ":")
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || c == 0 {
		return ChatTarget{}, fmt.Errorf("invalid recipient id %q", id)
	}
	t := ChatTarget{ChatID: c}
	if hasThread {
		if t.ThreadID, err = strconv.Atoi(thread); err != nil {
			return ChatTarget{}, fmt.Errorf("invalid thread in recipient id %q", id)
		}
	}
	return t, nil
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

type Update struct {
	Message *Message
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers a single message. Callers split long text first.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// Adapter is a Sender that also receives incoming updates.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
