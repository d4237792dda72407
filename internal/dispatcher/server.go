package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
)

// NotSupported is the reply to any request outside the protocol.
const NotSupported = "Not support fn"

type request struct {
	Fn   string          `json:"fn"`
	Data json.RawMessage `json:"data"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

// methods is the allow-list of introspection functions.
func (d *Dispatcher) methods() map[string]func(json.RawMessage) (any, error) {
	return map[string]func(json.RawMessage) (any, error){
		"getPool": func(json.RawMessage) (any, error) { return d.Pool(), nil },
	}
}

// Handle answers one protocol line: "ping" yields "pong", {"fn":"getPool"}
// yields the pool as JSON and anything else yields NotSupported.
func (d *Dispatcher) Handle(line string) string {
	line = strings.TrimSpace(line)
	if line == "ping" {
		return "pong"
	}

	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return NotSupported
	}
	fn, ok := d.methods()[req.Fn]
	if !ok {
		return NotSupported
	}

	resp := response{Code: 1, Msg: "ok"}
	data, err := fn(req.Data)
	if err != nil {
		resp = response{Code: 0, Msg: err.Error()}
	} else {
		resp.Data = data
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return `{"code":0,"msg":"encode response failed","data":null}`
	}
	return string(b)
}

// ListenAndServe listens on addr and serves the protocol until ctx is done.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Each connection may
// carry any number of newline-terminated requests.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	d.logger.Info("introspection listener started", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.serveConn(ctx, conn)
		}()
	}
}

func (d *Dispatcher) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := d.Handle(scanner.Text())
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			d.logger.Debug("introspection write failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}
