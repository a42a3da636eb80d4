package commands

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Info describes a registered command
type Info struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description"`
}

// Registry maps command names and aliases to commands. Matching is
// case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	commands []Command
	byName   map[string]Command
}

// NewRegistry creates a registry holding the given commands
func NewRegistry(cmds ...Command) (*Registry, error) {
	r := &Registry{byName: make(map[string]Command)}
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a command under its name and aliases
func (r *Registry) Register(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("command cannot be nil")
	}

	names := append([]string{cmd.Name()}, cmd.Aliases()...)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		key := strings.ToLower(name)
		if key == "" || strings.ContainsAny(key, " \t\n") {
			return fmt.Errorf("invalid command name %q", name)
		}
		if _, exists := r.byName[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
		}
	}
	for _, name := range names {
		r.byName[strings.ToLower(name)] = cmd
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// Lookup resolves input such as "hello world" to a command and its
// arguments ("world"). Only the first word is matched.
func (r *Registry) Lookup(input string) (Command, string, bool) {
	input = strings.TrimSpace(input)
	name, args, _ := strings.Cut(input, " ")

	r.mu.RLock()
	cmd, ok := r.byName[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return cmd, strings.TrimSpace(args), true
}

// List returns the registered commands sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.commands))
	for _, cmd := range r.commands {
		infos = append(infos, Info{
			Name:        cmd.Name(),
			Aliases:     cmd.Aliases(),
			Description: cmd.Description(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
