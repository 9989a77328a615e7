package serialmux

import (
	"strconv"
	"strings"
)

// Command names understood on the inbound side of the controller link.
const (
	CommandPing    = "ping"
	CommandExclude = "exclude"
	CommandInclude = "include"
	CommandUnknown = "unknown"
)

// Command is one newline-terminated line sent by the controller.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a controller line into a lower-cased name and its
// arguments. Blank lines yield ok == false.
func ParseCommand(line string) (Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}
	c := Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
	switch c.Name {
	case CommandPing, CommandExclude, CommandInclude:
	default:
		c.Name = CommandUnknown
		c.Args = fields
	}
	return c, true
}

// IDs parses the arguments as marker ids, skipping anything that is not
// an integer.
func (c Command) IDs() []int {
	ids := make([]int, 0, len(c.Args))
	for _, a := range c.Args {
		for _, part := range strings.Split(a, ",") {
			if id, err := strconv.Atoi(part); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
