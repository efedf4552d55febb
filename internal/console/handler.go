// Package console is the line-oriented player mat: it parses typed commands,
// routes them to a dispatcher and prints the room as the feed updates it.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/dispatch"
	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
)

var ErrUsage = errors.New("bad arguments")

// Handler processes commands and applies them through the dispatcher
type Handler struct {
	mat    *dispatch.Dispatcher
	logger *zap.Logger

	outMu sync.Mutex
	out   io.Writer
}

// NewHandler creates a handler printing to out
func NewHandler(mat *dispatch.Dispatcher, out io.Writer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{mat: mat, out: out, logger: logger}
}

// Execute runs one input line and reports whether the user asked to quit.
// Command failures are printed, not returned.
func (h *Handler) Execute(ctx context.Context, line string) bool {
	cmd, ok := ParseLine(line)
	if !ok {
		return false
	}

	t := GetCommandType(cmd.Name)
	if t == CmdQuit {
		return true
	}
	if err := h.ProcessCommand(ctx, t, cmd); err != nil {
		h.logger.Debug("Command failed", zap.String("command", cmd.Name), zap.Error(err))
		h.printf("! %s\n", describe(err))
	}
	return false
}

// ProcessCommand handles a single routed command
func (h *Handler) ProcessCommand(ctx context.Context, t CommandType, cmd Command) error {
	switch t {
	case CmdCreate:
		code, err := h.mat.CreateRoom(ctx)
		if err != nil {
			return err
		}
		h.printf("Created room %s. Share the code, then pick a monster.\n", code)
	case CmdJoin:
		if len(cmd.Args) != 1 {
			return ErrUsage
		}
		if err := h.mat.JoinRoom(ctx, cmd.Args[0]); err != nil {
			return err
		}
		h.printf("Joined room %s.\n", cmd.Args[0])
		h.RenderRoom(h.mat.Snapshot())
	case CmdMonsters:
		h.renderMonsters()
	case CmdPick:
		if len(cmd.Args) != 1 {
			return ErrUsage
		}
		row, err := h.mat.SelectMonster(ctx, strings.ToLower(cmd.Args[0]))
		if err != nil {
			return err
		}
		h.printf("You are %s %s.\n", row.MonsterEmoji, row.MonsterName)
	case CmdHealth:
		return h.adjust(ctx, game.StatHealth, cmd.Args)
	case CmdVictoryPoints:
		return h.adjust(ctx, game.StatVictoryPoints, cmd.Args)
	case CmdEnergy:
		return h.adjust(ctx, game.StatEnergy, cmd.Args)
	case CmdAttack:
		n, err := intArg(cmd.Args)
		if err != nil {
			return err
		}
		notice, err := h.mat.Attack(ctx, n)
		if err != nil {
			return err
		}
		h.printf("%s\n", FormatNotice(notice))
	case CmdEnter:
		if err := h.mat.EnterTokyo(ctx); err != nil {
			return err
		}
	case CmdLeaveTokyo:
		if err := h.mat.LeaveTokyo(ctx); err != nil {
			return err
		}
	case CmdStatus:
		if h.mat.RoomCode() == "" {
			return dispatch.ErrNoRoom
		}
		h.RenderRoom(h.mat.Snapshot())
	case CmdLeave:
		code := h.mat.RoomCode()
		if err := h.mat.LeaveRoom(ctx); err != nil {
			return err
		}
		h.printf("Left room %s.\n", code)
	case CmdHelp:
		h.printf("%s\n", helpText)
	default:
		h.printf("Unknown command %q, type help.\n", cmd.Name)
	}
	return nil
}

func (h *Handler) adjust(ctx context.Context, stat game.Stat, args []string) error {
	delta, err := intArg(args)
	if err != nil {
		return err
	}
	return h.mat.AdjustStat(ctx, stat, delta)
}

// OnChange is the dispatcher's change hook.
func (h *Handler) OnChange(snap *replica.Snapshot) {
	h.RenderRoom(snap)
}

// RenderRoom prints every active player's mat.
func (h *Handler) RenderRoom(snap *replica.Snapshot) {
	if snap == nil {
		return
	}
	me, _ := h.mat.CurrentPlayer()

	var b strings.Builder
	fmt.Fprintf(&b, "-- Room %s [%s] --\n", snap.Room, h.mat.State())
	players := snap.Active()
	if len(players) == 0 {
		b.WriteString("  (no monsters yet)\n")
	}
	for _, p := range players {
		b.WriteString(FormatMat(p, p.ID == me.ID && me.ID != ""))
		b.WriteByte('\n')
	}
	if notice := h.mat.LastAttack(); notice != nil {
		fmt.Fprintf(&b, "  %s\n", FormatNotice(notice))
	}
	switch me.Outcome() {
	case game.OutcomeVictorious:
		b.WriteString("  You win!\n")
	case game.OutcomeDefeated:
		if me.ID != "" {
			b.WriteString("  You have been knocked out.\n")
		}
	}

	h.outMu.Lock()
	io.WriteString(h.out, b.String())
	h.outMu.Unlock()
}

func (h *Handler) renderMonsters() {
	var b strings.Builder
	for _, m := range h.mat.AvailableMonsters() {
		fmt.Fprintf(&b, "  %-12s %s %s\n", m.ID, m.Emoji, m.Name)
	}
	if b.Len() == 0 {
		b.WriteString("  (every monster is taken)\n")
	}
	h.printf("%s", b.String())
}

func (h *Handler) printf(format string, args ...interface{}) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}

// FormatMat renders one player row on a single line.
func FormatMat(p game.Player, self bool) string {
	line := fmt.Sprintf("  %s %-12s HP %2d/%-2d  VP %2d  EN %2d", p.MonsterEmoji, p.MonsterName,
		p.Health, p.MaxHealth, p.VictoryPoints, p.Energy)
	if p.InTokyo {
		line += "  [TOKYO]"
	}
	if o := p.Outcome(); o != game.OutcomePlaying {
		line += "  " + strings.ToUpper(o.String())
	}
	if self {
		line += "  <- you"
	}
	return line
}

// FormatNotice renders an attack notice.
func FormatNotice(n *game.AttackNotice) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%s hit %s for %d!", n.Attacker, strings.Join(n.Targets, ", "), n.Damage)
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, ErrUsage
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrUsage, args[0])
	}
	return n, nil
}

// describe turns an error into the line shown to the player.
func describe(err error) string {
	switch {
	case errors.Is(err, ErrUsage):
		return err.Error() + " (type help)"
	case errors.Is(err, context.DeadlineExceeded):
		return "the server did not answer in time"
	default:
		return err.Error()
	}
}
