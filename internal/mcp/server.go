package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/tools"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mailsync"

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server represents the MCP server
type Server struct {
	logger  *logrus.Logger
	tools   *tools.Registry
	version string
}

// NewServer creates a new MCP server instance
func NewServer(registry *tools.Registry, version string, logger *logrus.Logger) *Server {
	return &Server{
		logger:  logger,
		tools:   registry,
		version: version,
	}
}

// Run serves newline delimited JSON-RPC requests from in until EOF or ctx is done
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("Starting MCP server with stdio transport")

	decoder := json.NewDecoder(in)
	encoder := json.NewEncoder(out)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req map[string]interface{}
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.WithError(err).Error("Failed to decode request")
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				// the value was consumed, keep reading
				_ = encoder.Encode(errorResponse(nil, codeParseError, err.Error()))
				continue
			}
			// the decoder cannot resync after a syntax error or truncated input
			_ = encoder.Encode(errorResponse(nil, codeParseError, err.Error()))
			return fmt.Errorf("failed to decode request: %w", err)
		}

		resp := s.handleRequest(ctx, req)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
	}
}

func errorResponse(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}

func resultResponse(id interface{}, result interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

// handleRequest processes an MCP request. Notifications get no response.
func (s *Server) handleRequest(ctx context.Context, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id, hasID := req["id"]
	if !hasID {
		s.logger.WithField("method", method).Debug("Notification received")
		return nil
	}

	switch method {
	case "initialize":
		return resultResponse(id, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": s.version,
			},
		})

	case "ping":
		return resultResponse(id, map[string]interface{}{})

	case "tools/list":
		return resultResponse(id, map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		})

	case "tools/call":
		return s.callTool(ctx, id, req)
	}

	return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Method not found: %s", method))
}

func (s *Server) callTool(ctx context.Context, id interface{}, req map[string]interface{}) map[string]interface{} {
	params, _ := req["params"].(map[string]interface{})
	toolName, _ := params["name"].(string)
	if toolName == "" {
		return errorResponse(id, codeInvalidParams, "Tool name is required")
	}
	arguments, _ := params["arguments"].(map[string]interface{})
	if arguments == nil {
		arguments = map[string]interface{}{}
	}

	tool, exists := s.tools.GetTool(toolName)
	if !exists {
		return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName))
	}

	logger := s.logger.WithField("tool", toolName)
	result, err := tool.Execute(ctx, arguments)
	if err != nil {
		logger.WithError(err).Warn("Tool call failed")
		return errorResponse(id, codeInternalError, err.Error())
	}

	// Serialize result to JSON string for text content
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	logger.Debug("Tool call completed")

	return resultResponse(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": string(resultJSON),
			},
		},
	})
}
