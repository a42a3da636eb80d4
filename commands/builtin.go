package commands

import (
	"context"
	"time"
)

// Ping answers "Pong!"
func Ping() Command {
	return &Func{
		CommandName: "ping",
		Help:        "Check that the bot is alive",
		Run: func(ctx context.Context, req Request) (Reply, error) {
			return Reply{Body: "Pong!"}, nil
		},
	}
}

// Hello greets the sender by id
func Hello() Command {
	return &Func{
		CommandName:    "hello",
		CommandAliases: []string{"hola", "hi"},
		Help:           "Say hello",
		Run: func(ctx context.Context, req Request) (Reply, error) {
			return Reply{Body: "Hey, " + req.UserID}, nil
		},
	}
}

// Uptime reports the bot's current time. now defaults to time.Now.
func Uptime(now func() time.Time) Command {
	if now == nil {
		now = time.Now
	}
	return &Func{
		CommandName: "uptime",
		Help:        "Show the bot's current time",
		Run: func(ctx context.Context, req Request) (Reply, error) {
			return Reply{Body: "datetime: " + now().Format("2006-01-02 15:04:05.000000")}, nil
		},
	}
}

// Builtins returns the default command set
func Builtins() []Command {
	return []Command{Ping(), Hello(), Uptime(nil)}
}
