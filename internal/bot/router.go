// Package bot routes chat commands to handlers on a bounded worker pool.
package bot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"factbot/internal/runtime/supervisor"
	"factbot/internal/transport"
	"factbot/pkg/logx"
)

const (
	replyUnknown = "Неизвестная команда. Список команд: /help"
	replyBusy    = "Бот занят, попробуйте чуть позже."
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Hidden commands are routed but left out of the menu and /help.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string
	Log          logx.Logger
}

// Recipient is the state store key for the request's chat.
func (r *Request) Recipient() string { return r.Chat.String() }

type Router struct {
	log     logx.Logger
	sender  transport.Sender
	workers int

	mu       sync.RWMutex
	commands []Command
	index    map[string]*Command

	jobs  chan func()
	reqID atomic.Uint64
}

// NewRouter returns a router with workers handler goroutines and a job
// queue of queue entries.
func NewRouter(sender transport.Sender, log logx.Logger, workers, queue int) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 64
	}
	return &Router{
		log:     log.With(logx.String("comp", "router")),
		sender:  sender,
		workers: workers,
		index:   map[string]*Command{},
		jobs:    make(chan func(), queue),
	}
}

// Register adds commands. A later command replaces an earlier one with the
// same name or alias.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimPrefix(c.Name, "/"))
		r.commands = slices.DeleteFunc(r.commands, func(old Command) bool { return old.Name == c.Name })
		r.commands = append(r.commands, c)
	}
	r.index = make(map[string]*Command, len(r.commands))
	for i := range r.commands {
		c := &r.commands[i]
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			r.index[strings.ToLower(a)] = c
		}
	}
}

// Commands returns the visible commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	return out
}

// MenuCommands is the command list for the platform menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	cmds := r.Commands()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop routes updates until ctx ends or updates is closed, then
// waits briefly for in-flight handlers.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("queue", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route parses one update and queues its handler. Non-command text is
// ignored.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := msg.Target()

	r.mu.RLock()
	cmd, found := r.index[name]
	r.mu.RUnlock()
	if !found {
		r.reply(ctx, chat, replyUnknown)
		return
	}

	rid := fmt.Sprintf("r%x", r.reqID.Add(1))
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.String("recipient", chat.String()),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))

	select {
	case r.jobs <- func() { _ = h(ctx, req) }:
	default:
		req.Log.Warn("command dropped: queue full", logx.Int("queue", cap(r.jobs)))
		r.reply(ctx, chat, replyBusy)
	}
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if err := r.sender.SendText(ctx, to, text, nil); err != nil {
		r.log.Warn("reply failed", logx.String("recipient", to.String()), logx.Err(err))
	}
}

// parseCommand splits "/name@bot a b" into ("name", [a b]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}
