// Package commands runs chat commands such as "/ping" on a bounded pool of
// goroutines.
//
// A Registry resolves the first word of a message to a Command. The Pool
// executes it once a worker slot is free and hands a non-empty Reply to a
// ReplySink, normally a PublishingSink that emits a message.send event:
//
//	registry, _ := commands.NewRegistry(commands.Builtins()...)
//	pool := commands.NewPool(registry, commands.NewPublishingSink(publisher))
//	defer pool.Close()
//
//	result := <-pool.Submit(ctx, commands.Request{Name: "ping", ReplyToID: "42"})
package commands
