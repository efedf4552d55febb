package console

import "strings"

// Command is one parsed input line
type Command struct {
	Name string   // "join", "hp", "attack", etc.
	Args []string // Arguments after the command
}

// CommandType for routing
type CommandType int

const (
	CmdCreate CommandType = iota
	CmdJoin
	CmdMonsters
	CmdPick
	CmdHealth
	CmdVictoryPoints
	CmdEnergy
	CmdAttack
	CmdEnter
	CmdLeaveTokyo
	CmdStatus
	CmdLeave
	CmdHelp
	CmdQuit
	CmdUnknown
)

// SupportedCommands maps command strings to types
var SupportedCommands = map[string]CommandType{
	"create": CmdCreate,
	"new":    CmdCreate,

	"join": CmdJoin,

	"monsters": CmdMonsters,
	"list":     CmdMonsters,

	"pick":   CmdPick,
	"select": CmdPick,

	"hp":     CmdHealth,
	"health": CmdHealth,

	"vp": CmdVictoryPoints,

	"energy": CmdEnergy,
	"en":     CmdEnergy,

	"attack": CmdAttack,
	"hit":    CmdAttack,

	"enter": CmdEnter,
	"tokyo": CmdEnter,

	"yield":       CmdLeaveTokyo,
	"leave-tokyo": CmdLeaveTokyo,

	"status": CmdStatus,
	"mat":    CmdStatus,

	"leave": CmdLeave,

	"help": CmdHelp,
	"?":    CmdHelp,

	"quit": CmdQuit,
	"exit": CmdQuit,
}

// GetCommandType returns the command type for a name (case-insensitive)
func GetCommandType(name string) CommandType {
	if t, ok := SupportedCommands[strings.ToLower(name)]; ok {
		return t
	}
	return CmdUnknown
}

// ParseLine splits an input line into a command. A blank line yields ok=false.
func ParseLine(line string) (Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

const helpText = `Commands:
  create                 start a new room
  join <code>            join a room by its 4-digit code
  monsters               list monsters you can pick
  pick <monster>         pick or re-pick your monster
  hp|vp|energy <+n|-n>   adjust one of your stats
  attack <n>             deal n damage
  enter                  enter Tokyo
  yield                  leave Tokyo
  status                 show the room
  leave                  leave the room
  quit                   exit`
