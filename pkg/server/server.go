// Copyright 2025 The Codeloom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server runs the JSON-RPC dispatcher that fronts the runtime.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/codeloom-ai/codeloom/pkg/agent"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/protocol"
	"github.com/codeloom-ai/codeloom/pkg/session"
	"github.com/codeloom-ai/codeloom/pkg/tokens"
	"github.com/codeloom-ai/codeloom/pkg/toolhost"
)

// HandlerFunc serves one RPC method. Returned errors are classified
// into wire codes by the dispatcher.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server reads frames, dispatches handlers and writes responses. Each
// request runs in its own goroutine so a long turn does not block
// cancellations; the codec serialises all writes.
type Server struct {
	codec    *protocol.Codec
	version  string
	handlers map[string]HandlerFunc

	wg sync.WaitGroup
}

func New(codec *protocol.Codec, version string) *Server {
	return &Server{
		codec:    codec,
		version:  version,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a method name to its handler.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.handlers[method] = handler
}

// RegisterAll binds a batch of handlers.
func (s *Server) RegisterAll(handlers map[string]HandlerFunc) {
	for method, handler := range handlers {
		s.handlers[method] = handler
	}
}

// Notify sends a best-effort notification to the client.
func (s *Server) Notify(method string, params map[string]interface{}) {
	if err := s.codec.WriteNotification(protocol.NewNotification(method, params)); err != nil {
		logger.GetLogger().Warn("failed to write notification", "method", method, "error", err)
	}
}

type readResult struct {
	req *protocol.Request
	err error
}

// Run services the connection until EOF or context cancellation. The
// ready notification goes out exactly once, before any response. Reads
// happen on a pump goroutine so a cancelled context unblocks Run even
// while stdin carries no frame.
func (s *Server) Run(ctx context.Context) error {
	s.Notify("server.ready", map[string]interface{}{"version": s.version})

	frames := make(chan readResult)
	go s.readLoop(ctx, frames)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case rr := <-frames:
			if rr.err != nil {
				var rpcErr *protocol.RPCError
				if errors.As(rr.err, &rpcErr) {
					// Unparseable frame: answer with a null id.
					s.writeResponse(protocol.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message))
					continue
				}
				s.wg.Wait()
				if rr.err == io.EOF {
					return nil
				}
				return rr.err
			}

			s.wg.Add(1)
			go func(req *protocol.Request) {
				defer s.wg.Done()
				s.dispatch(ctx, req)
			}(rr.req)
		}
	}
}

func (s *Server) readLoop(ctx context.Context, frames chan<- readResult) {
	for {
		req, err := s.codec.ReadRequest()
		select {
		case frames <- readResult{req: req, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			var rpcErr *protocol.RPCError
			if !errors.As(err, &rpcErr) {
				// Stream-level failure: the loop above handles shutdown.
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		if !req.IsNotification() {
			s.writeResponse(protocol.NewErrorResponse(req.ID, protocol.MethodNotFound,
				fmt.Sprintf("method not found: %s", req.Method)))
		}
		return
	}

	result, err := handler(ctx, req.Params)
	if req.IsNotification() {
		return
	}

	if err != nil {
		code, message := classify(err)
		s.writeResponse(protocol.NewErrorResponse(req.ID, code, message))
		return
	}
	s.writeResponse(protocol.NewResponse(req.ID, result))
}

func (s *Server) writeResponse(resp *protocol.Response) {
	if err := s.codec.WriteResponse(resp); err != nil {
		logger.GetLogger().Error("failed to write response", "error", err)
	}
}

// classify maps handler errors to wire codes. Domain sentinels get
// their custom codes; anything unrecognised is an internal error.
func classify(err error) (int, string) {
	var rpcErr *protocol.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code, rpcErr.Message
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.SessionNotFound, err.Error()
	case errors.Is(err, toolhost.ErrToolNotFound):
		return protocol.ToolNotFound, err.Error()
	case errors.Is(err, tokens.ErrBudgetExceeded):
		return protocol.BudgetExceeded, err.Error()
	case errors.Is(err, agent.ErrCancelled):
		return protocol.Cancelled, err.Error()
	default:
		logger.GetLogger().Error("handler failed", "error", err)
		return protocol.InternalError, err.Error()
	}
}

// invalidParams wraps a decode failure so classify reports code -32602.
func invalidParams(err error) error {
	return &protocol.RPCError{Code: protocol.InvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
}

// decodeParams unmarshals params into v, treating absent params as {}.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}
