package sbus

import "strings"

// CommandPrefix namespaces every bus command name.
const CommandPrefix = "SBUS_CMD_"

// Command names one bus operation.
type Command string

const (
	CommandPing         Command = CommandPrefix + "PING"
	CommandHalt         Command = CommandPrefix + "HALT"
	CommandExecute      Command = CommandPrefix + "EXECUTE"
	CommandCancel       Command = CommandPrefix + "CANCEL"
	CommandDescriptor   Command = CommandPrefix + "DESCRIPTOR"
	CommandStartDaemon  Command = CommandPrefix + "START_DAEMON"
	CommandStopDaemon   Command = CommandPrefix + "STOP_DAEMON"
	CommandDaemonStatus Command = CommandPrefix + "DAEMON_STATUS"
	CommandStopDaemons  Command = CommandPrefix + "STOP_DAEMONS"
)

// HandlerName returns the lower-cased suffix after the namespace prefix, or
// false when the command does not carry the prefix.
func (c Command) HandlerName() (string, bool) {
	name, ok := strings.CutPrefix(string(c), CommandPrefix)
	if !ok || name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

// ParseCommand accepts either a full command name or a bare suffix such as
// "halt" and returns the namespaced command.
func ParseCommand(raw string) Command {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToUpper(raw), CommandPrefix) {
		return Command(strings.ToUpper(raw))
	}
	return Command(CommandPrefix + strings.ToUpper(raw))
}

func (c Command) String() string { return string(c) }
