package commands

import (
	"context"
	"errors"

	"github.com/fbchat/relay/contracts"
)

var (
	// ErrUnknownCommand is reported when no registered command matches the input
	ErrUnknownCommand = errors.New("commands: unknown command")
	// ErrDuplicateCommand is returned when a name or alias is registered twice
	ErrDuplicateCommand = errors.New("commands: duplicate command name")
	// ErrPoolClosed is reported for submissions after Close
	ErrPoolClosed = errors.New("commands: pool closed")
)

// Request is one command invocation taken from an inbound chat message
type Request struct {
	// Name is the command as typed, before matching
	Name string
	// Args is the text following the command name
	Args      string
	MessageID string
	UserID    string
	ReplyToID string
	ChatType  contracts.ChatType
}

// Reply is what a command sends back. An empty Body sends nothing.
type Reply struct {
	Body           string
	AttachmentID   string
	AttachmentType string
}

// Empty reports whether there is nothing to send
func (r Reply) Empty() bool {
	return r.Body == "" && r.AttachmentID == ""
}

// Command is a chat command
type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Execute(ctx context.Context, req Request) (Reply, error)
}

// Func adapts a function to the Command interface
type Func struct {
	CommandName    string
	CommandAliases []string
	Help           string
	Run            func(ctx context.Context, req Request) (Reply, error)
}

// Name implements Command
func (f *Func) Name() string { return f.CommandName }

// Aliases implements Command
func (f *Func) Aliases() []string { return f.CommandAliases }

// Description implements Command
func (f *Func) Description() string { return f.Help }

// Execute implements Command
func (f *Func) Execute(ctx context.Context, req Request) (Reply, error) {
	return f.Run(ctx, req)
}
