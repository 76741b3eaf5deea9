package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	writeTimeout              = 5 * time.Second
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "-ERR max number of clients reached\r\n"
)

// serve accepts clients until ctx is cancelled or the listener is closed,
// then drains the open connections.
func (app *application) serve(ctx context.Context) error {
	//
	// DESIGN
	// ------
	//
	// Admission: connLimiter is a semaphore sized to max_connections. The
	// accept loop does a non-blocking send; when it would block, the client
	// gets an error line and is closed on the spot.
	//
	// Shutdown: cancelling ctx closes the listener, which ends the accept
	// loop. Every open connection then gets an immediate read deadline, so a
	// command already being processed still completes and its reply is
	// flushed, but nothing new is read. Connections still busy after
	// shutdown_timeout are closed forcibly. serve returns only once every
	// connection goroutine has exited.
	//
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Port))
	if err != nil {
		return err
	}
	app.listener = ln
	addr := ln.Addr().String()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	if app.readyCh != nil {
		close(app.readyCh)
	}

	app.logger.Info("server starting", "address", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			app.logger.Error("failed to accept connection", "error", err, "address", addr)
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.trackConn(conn, true)
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			app.logger.Warn("rejecting connection, limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))
			_, _ = io.WriteString(conn, errMaxConnectionsResponse)
			_ = conn.Close()
		}
	}

	app.logger.Info("shutting down server", "address", addr)
	app.drain()
	app.logger.Info("server stopped", "address", addr)
	return nil
}

func (app *application) trackConn(conn net.Conn, add bool) {
	app.connsMu.Lock()
	defer app.connsMu.Unlock()

	if app.conns == nil {
		app.conns = make(map[net.Conn]struct{})
	}
	if add {
		app.conns[conn] = struct{}{}
	} else {
		delete(app.conns, conn)
	}
}

// drain waits for all connection goroutines, forcing connections closed
// after shutdown_timeout.
func (app *application) drain() {
	app.shuttingDown.Store(true)

	app.connsMu.Lock()
	for conn := range app.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	app.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(app.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	app.connsMu.Lock()
	app.logger.Warn("shutdown timeout reached, closing connections", "open", len(app.conns))
	for conn := range app.conns {
		_ = conn.Close()
	}
	app.connsMu.Unlock()
	<-done
}

// handleConnection runs the request loop of one client.
func (app *application) handleConnection(conn net.Conn) {
	//
	// DESIGN
	// ------
	//
	// Replies are written into a 4KB bufio.Writer. After each command the
	// writer is flushed only if the parser has nothing left buffered: a
	// client that pipelines N commands gets N replies in one write.
	//
	// The deferred flush makes sure replies to commands that preceded a
	// protocol error still reach the client.
	//
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer app.trackConn(conn, false)
	defer func() { _ = conn.Close() }()

	app.metrics.TotalConnections.Add(1)

	remoteAddr := conn.RemoteAddr().String()
	app.logger.Debug("new connection", "remote_addr", remoteAddr)

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)
	defer func() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = writer.Flush()
	}()

	for {
		if app.shuttingDown.Load() && parser.Buffered() == 0 {
			return
		}
		if app.config.IdleTimeout > 0 && !app.shuttingDown.Load() {
			if err := conn.SetReadDeadline(time.Now().Add(app.config.IdleTimeout)); err != nil {
				app.logger.Error("failed to set read deadline", "error", err, "remote_addr", remoteAddr)
				return
			}
		}

		parts, err := parser.Parse()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				app.logger.Debug("client disconnected", "remote_addr", remoteAddr)
			case errors.Is(err, os.ErrDeadlineExceeded):
				if !app.shuttingDown.Load() {
					app.logger.Info("closing idle connection", "remote_addr", remoteAddr)
				}
			default:
				app.logger.Error("parser error", "error", err, "remote_addr", remoteAddr)
				_ = app.writeErrorResponse(writer, err.Error())
			}
			return
		}

		app.router.Dispatch(app, writer, parts)

		if parser.Buffered() == 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				app.logger.Error("failed to flush response", "error", err, "remote_addr", remoteAddr)
				return
			}
		}
	}
}
