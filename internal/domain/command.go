package domain

import (
	"fmt"
	"strings"
)

// Command is an operator request accepted over MQTT or HTTP and applied
// at the start of the next control tick.
type Command string

const (
	CommandClean       Command = "clean"
	CommandResetArm    Command = "reset-arm"
	CommandResetFaults Command = "reset-faults"
)

// ParseCommand accepts the command names case-insensitively, with either
// dashes or underscores.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch c {
	case CommandClean, CommandResetArm, CommandResetFaults:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}
