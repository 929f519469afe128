package cthulu

import (
	"fmt"
	"strings"

	"github.com/mgrant26/clubcthulu/pkg/registry"
)

// CommandFunc runs a console command. args is the command line split on
// whitespace after the command name; executor is the console's synthetic
// client (see Server.consoleClient). Grounded on command.py's Command/
// CommandProcessor, reworked to take executor and a *Server explicitly
// instead of reaching for a module-level singleton.
type CommandFunc func(args []string, executor *registry.Client, s *Server)

// Command is a named console action gated by a minimum privilege level.
type Command struct {
	Name         string
	Params       []string
	PrivilegeReq int
	Run          CommandFunc
}

// CommandProcessor parses and dispatches console command lines.
type CommandProcessor struct {
	commands map[string]Command
	aliases  map[string]string
}

// NewCommandProcessor creates a CommandProcessor seeded with commands and
// aliases.
func NewCommandProcessor(commands []Command, aliases map[string]string) *CommandProcessor {
	p := &CommandProcessor{
		commands: make(map[string]Command, len(commands)),
		aliases:  make(map[string]string, len(aliases)),
	}
	for _, c := range commands {
		p.commands[c.Name] = c
	}
	for alias, name := range aliases {
		p.aliases[alias] = name
	}
	return p
}

// Commands returns the registered commands, for "commands" to list.
func (p *CommandProcessor) Commands() map[string]Command {
	return p.commands
}

// RunCommand looks up name (resolving aliases) and runs it against args. It
// reports false if no such command exists, and returns an error without
// running the command if the executor lacks sufficient privilege.
func (p *CommandProcessor) RunCommand(name string, args []string, executor *registry.Client, s *Server) (bool, error) {
	c, ok := p.commands[name]
	if !ok {
		if alias, ok2 := p.aliases[name]; ok2 {
			c, ok = p.commands[alias]
		}
	}
	if !ok {
		return false, nil
	}
	if c.PrivilegeReq > 0 && executor != nil && c.PrivilegeReq > executor.Privilege() {
		return true, fmt.Errorf("insufficient permission to run command %q", name)
	}
	c.Run(args, executor, s)
	return true, nil
}

// ParseCommand splits line on whitespace and runs the resulting command.
func (p *CommandProcessor) ParseCommand(line string, executor *registry.Client, s *Server) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	return p.RunCommand(name, fields[1:], executor, s)
}
