package main

import (
	"fmt"
	"io"
	"strings"
)

// CommandHandler serves one command. args excludes the command name.
// Replies go to w, normally the connection's buffered writer.
type CommandHandler func(w io.Writer, args []string)

// Router maps upper-cased command names to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]CommandHandler)}
}

// Handle registers handler under name, case-insensitively.
func (r *Router) Handle(name string, handler CommandHandler) {
	r.handlers[strings.ToUpper(name)] = handler
}

// Dispatch runs the handler for parts[0]. Empty requests are ignored.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}

	name := strings.ToUpper(parts[0])
	handler, ok := r.handlers[name]
	if !ok {
		app.metrics.observeCommand("unknown")
		app.unknownCommandResponse(w, parts[0])
		return
	}

	app.metrics.observeCommand(name)
	handler(w, parts[1:])
}

func (app *application) unknownCommandResponse(w io.Writer, name string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR unknown command '%s'", name))
}

func (app *application) wrongNumberOfArgsResponse(w io.Writer, name string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}
