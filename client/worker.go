package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/macawsecurity/secureAI/domain"
)

// runWorker serves the agent's tool handlers: it streams tool requests over
// the agent WebSocket when the control plane is reachable that way, and falls
// back to polling the work endpoint otherwise. It also keeps the agent's
// heartbeat fresh.
func (c *Client) runWorker(ctx context.Context) {
	go c.heartbeatLoop(ctx)

	for {
		if err := c.streamLoop(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARN: agent stream disconnected, polling: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		c.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+c.agentID+"/heartbeat", nil, nil); err != nil {
				log.Printf("WARN: heartbeat failed: %v", err)
			}
		}
	}
}

// streamLoop connects the agent WebSocket and handles pushed events until the
// connection drops.
func (c *Client) streamLoop(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/agents/" + c.agentID + "/stream"
	header := http.Header{}
	if c.iamToken != "" {
		header.Set("Authorization", "Bearer "+c.iamToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	// Drain pending work missed while disconnected.
	c.pollOnce(ctx)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("WARN: malformed stream event: %v", err)
			continue
		}

		if event.Type == string(domain.EventTypeToolRequest) {
			var req domain.ToolRequestPayload
			if err := json.Unmarshal(event.Payload, &req); err != nil {
				log.Printf("WARN: malformed tool request: %v", err)
				continue
			}
			go c.handleToolRequest(ctx, &req)
		}
	}
}

// pollOnce fetches and serves any dispatched work waiting for this agent.
func (c *Client) pollOnce(ctx context.Context) {
	var resp struct {
		Work []domain.ToolRequestPayload `json:"work"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+c.agentID+"/work", nil, &resp); err != nil {
		if ctx.Err() == nil {
			log.Printf("WARN: work poll failed: %v", err)
		}
		return
	}
	for i := range resp.Work {
		c.handleToolRequest(ctx, &resp.Work[i])
	}
}

// handleToolRequest runs the registered handler and posts the result back.
// Stream pushes and work polls can deliver the same invocation; only the
// first delivery runs the handler.
func (c *Client) handleToolRequest(ctx context.Context, req *domain.ToolRequestPayload) {
	if !c.claimInvocation(req.InvocationID) {
		return
	}

	spec, ok := c.tools[req.ToolName]
	if !ok {
		c.finishInvocation(ctx, req.InvocationID, nil, fmt.Errorf("tool %s not served by this agent", req.ToolName))
		return
	}

	var params map[string]interface{}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &params); err != nil {
			c.finishInvocation(ctx, req.InvocationID, nil, fmt.Errorf("malformed args: %w", err))
			return
		}
	}

	runCtx := ctx
	if req.DeadlineTs > 0 {
		deadline := time.UnixMilli(req.DeadlineTs)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	result, err := spec.Handler(runCtx, params)
	c.finishInvocation(ctx, req.InvocationID, result, err)
}

// claimInvocation marks an invocation as taken by this worker.
func (c *Client) claimInvocation(invocationID string) bool {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	if c.handled[invocationID] {
		return false
	}
	c.handled[invocationID] = true
	return true
}

func (c *Client) releaseInvocation(invocationID string) {
	c.handledMu.Lock()
	delete(c.handled, invocationID)
	c.handledMu.Unlock()
}

// finishInvocation posts the result. The claim is released when the post
// fails, so a later poll can retry the invocation.
func (c *Client) finishInvocation(ctx context.Context, invocationID string, result interface{}, handlerErr error) {
	if err := c.postResult(ctx, invocationID, result, handlerErr); err != nil {
		c.releaseInvocation(invocationID)
	}
}

func (c *Client) postResult(ctx context.Context, invocationID string, result interface{}, handlerErr error) error {
	req := domain.InvocationResultRequest{Status: "SUCCEEDED"}
	if handlerErr != nil {
		req.Status = "FAILED"
		errData, _ := json.Marshal(domain.ToolError{Code: "handler_error", Message: handlerErr.Error()})
		req.Error = errData
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			req.Status = "FAILED"
			errData, _ := json.Marshal(domain.ToolError{Code: "handler_error", Message: "unmarshalable result: " + err.Error()})
			req.Error = errData
		} else {
			req.Result = data
		}
	}

	path := "/v1/invocations/" + invocationID + "/result"
	if err := c.doJSON(ctx, http.MethodPost, path, req, nil); err != nil {
		log.Printf("ERROR: failed to post result for %s: %v", invocationID, err)
		return err
	}
	return nil
}
