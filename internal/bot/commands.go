package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"factbot/internal/delivery"
	"factbot/internal/pool"
	"factbot/internal/scheduler"
	"factbot/internal/storage"
	"factbot/internal/transport"
)

const (
	replyWelcome       = "Привет! Я буду присылать тебе один ЧГК-факт в день.\nПервый — прямо сейчас."
	replyExhausted     = "Факты закончились."
	replyPoolError     = "Не удалось загрузить список фактов. Попробуйте позже."
	replyGenerateError = "Не получилось подготовить факт. Попробуйте позже."
	replyInternalError = "Что-то пошло не так. Попробуйте позже."
	replyStopped       = "Ежедневная рассылка остановлена. Вернуться: /start"
	replyNotActive     = "Рассылка и так не активна. Подписаться: /start"
)

// Pipeline is the part of *delivery.Pipeline the commands use.
type Pipeline interface {
	Deliver(ctx context.Context, recipient, slot string) (delivery.Result, error)
	Activate(ctx context.Context, recipient string, slots []string) (storage.RecipientState, error)
	Deactivate(ctx context.Context, recipient string) (bool, error)
	Status(ctx context.Context, recipient string) (delivery.Status, error)
}

// Schedule is the part of *scheduler.Service the commands use.
type Schedule interface {
	Slots() []scheduler.Slot
	NextSlot(now time.Time, names []string) (scheduler.Slot, time.Time, bool)
}

type Handlers struct {
	Pipeline Pipeline
	Schedule Schedule
	Sender   transport.Sender
	Location *time.Location
	Now      func() time.Time
	// DeliverTimeout bounds /start and /fact.
	DeliverTimeout time.Duration
}

// Commands returns the user command set bound to h.
func (h *Handlers) Commands(help func() []Command) []Command {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Location == nil {
		h.Location = time.Local
	}
	if h.DeliverTimeout <= 0 {
		h.DeliverTimeout = 3 * time.Minute
	}
	return []Command{
		{Name: "start", Description: "подписаться и получить первый факт", Usage: "/start [слот...]", Timeout: h.DeliverTimeout, Handle: h.start},
		{Name: "fact", Aliases: []string{"next"}, Description: "получить факт прямо сейчас", Usage: "/fact", Timeout: h.DeliverTimeout, Handle: h.fact},
		{Name: "status", Description: "прогресс и следующая отправка", Usage: "/status", Timeout: 10 * time.Second, Handle: h.status},
		{Name: "slots", Description: "расписание рассылки", Usage: "/slots", Timeout: 5 * time.Second, Handle: h.slots},
		{Name: "stop", Description: "остановить ежедневную рассылку", Usage: "/stop", Timeout: 10 * time.Second, Handle: h.stop},
		{Name: "help", Description: "список команд", Usage: "/help", Timeout: 5 * time.Second, Handle: func(ctx context.Context, req *Request) error {
			return h.reply(ctx, req, helpText(help()))
		}},
	}
}

func (h *Handlers) reply(ctx context.Context, req *Request, text string) error {
	return h.Sender.SendText(ctx, req.Chat, text, nil)
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	slots := make([]string, 0, len(req.Args))
	for _, a := range req.Args {
		slots = append(slots, strings.ToLower(a))
	}
	if unknown := h.unknownSlots(slots); len(unknown) > 0 {
		return h.reply(ctx, req, fmt.Sprintf("Неизвестные слоты: %s.\nДоступные: %s",
			strings.Join(unknown, ", "), scheduler.Describe(h.Schedule.Slots())))
	}
	if _, err := h.Pipeline.Activate(ctx, req.Recipient(), slots); err != nil {
		_ = h.reply(ctx, req, replyInternalError)
		return err
	}
	if err := h.reply(ctx, req, replyWelcome); err != nil {
		return err
	}
	return h.deliverNow(ctx, req)
}

func (h *Handlers) fact(ctx context.Context, req *Request) error {
	return h.deliverNow(ctx, req)
}

func (h *Handlers) deliverNow(ctx context.Context, req *Request) error {
	res, err := h.Pipeline.Deliver(ctx, req.Recipient(), "")
	if text := outcomeReply(res); text != "" {
		if rerr := h.reply(ctx, req, text); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// outcomeReply is the user-visible message for an on-demand result, or ""
// when the delivered text speaks for itself.
func outcomeReply(res delivery.Result) string {
	switch res.Outcome {
	case delivery.Sent, delivery.TransportFailed:
		return ""
	case delivery.NoContent:
		if errors.Is(res.Err, pool.ErrLoad) {
			return replyPoolError
		}
		return replyExhausted
	case delivery.GenerationFailed:
		return replyGenerateError
	default:
		return replyInternalError
	}
}

func (h *Handlers) stop(ctx context.Context, req *Request) error {
	was, err := h.Pipeline.Deactivate(ctx, req.Recipient())
	if err != nil {
		_ = h.reply(ctx, req, replyInternalError)
		return err
	}
	if !was {
		return h.reply(ctx, req, replyNotActive)
	}
	return h.reply(ctx, req, replyStopped)
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	st, err := h.Pipeline.Status(ctx, req.Recipient())
	if err != nil {
		_ = h.reply(ctx, req, replyInternalError)
		return err
	}

	var b strings.Builder
	if st.Active {
		b.WriteString("Подписка: активна\n")
		if len(st.Slots) > 0 {
			fmt.Fprintf(&b, "Слоты: %s\n", strings.Join(st.Slots, ", "))
		} else {
			b.WriteString("Слоты: все\n")
		}
	} else {
		b.WriteString("Подписка: не активна (/start)\n")
	}
	if len(st.SentToday) > 0 {
		fmt.Fprintf(&b, "Сегодня отправлено: %s\n", strings.Join(st.SentToday, ", "))
	}
	if st.PoolSize >= 0 {
		fmt.Fprintf(&b, "Прочитано фактов: %d из %d\n", st.PoolSize-st.Remaining, st.PoolSize)
	} else {
		b.WriteString("Список фактов сейчас недоступен\n")
	}
	if st.Active {
		if slot, at, ok := h.Schedule.NextSlot(h.Now().In(h.Location), st.Slots); ok {
			fmt.Fprintf(&b, "Следующая отправка: %s (%s)\n", at.Format("02.01 15:04"), slot.Name)
		}
	}
	return h.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) slots(ctx context.Context, req *Request) error {
	all := h.Schedule.Slots()
	if len(all) == 0 {
		return h.reply(ctx, req, "Расписание не настроено, доступна только команда /fact.")
	}
	var b strings.Builder
	b.WriteString("Расписание (" + h.Location.String() + "):\n")
	for _, s := range all {
		fmt.Fprintf(&b, "• %s — %s\n", s.Name, s.At)
	}
	b.WriteString("Выбрать слоты: /start <слот> [слот...]")
	return h.reply(ctx, req, b.String())
}

func (h *Handlers) unknownSlots(names []string) []string {
	known := h.Schedule.Slots()
	var out []string
	for _, n := range names {
		if !slices.ContainsFunc(known, func(s scheduler.Slot) bool { return s.Name == n }) {
			out = append(out, n)
		}
	}
	return out
}

func helpText(cmds []Command) string {
	var b strings.Builder
	b.WriteString("Команды:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "%s — %s\n", c.Usage, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
