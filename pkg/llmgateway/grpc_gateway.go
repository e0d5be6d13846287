package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	llmpb "github.com/overmind-core/orchestrator/proto/llmpb"
)

// grpcGateway calls out to the LLM sidecar over gRPC, exactly as tarsy's
// GRPCLLMClient does, but drains the whole stream internally and returns one
// Response instead of forwarding a channel of chunks to its own caller.
type grpcGateway struct {
	conn   *grpc.ClientConn
	client llmpb.LLMServiceClient
	retry  RetryPolicy
}

// NewGRPCGateway dials the sidecar at addr using plaintext transport, the
// same trust boundary tarsy's NewGRPCLLMClient assumes (sidecar or
// localhost deployment).
func NewGRPCGateway(addr string, retry RetryPolicy) (Gateway, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("llmgateway: dial %s: %w", addr, err)
	}
	return &grpcGateway{conn: conn, client: llmpb.NewLLMServiceClient(conn), retry: retry}, nil
}

// Close releases the underlying gRPC connection.
func (g *grpcGateway) Close() error {
	return g.conn.Close()
}

func (g *grpcGateway) Call(ctx context.Context, req Request) (Response, error) {
	return g.retry.Do(ctx, func(ctx context.Context) (Response, error, bool) {
		resp, rateLimited, err := g.callOnce(ctx, req)
		return resp, err, rateLimited
	})
}

// callOnce issues one gRPC Call and drains its stream into a single
// Response. The boolean return reports whether the failure (if any) was a
// rate-limit signal from the sidecar, so the retry policy can apply
// backoff-with-jitter instead of the flat one-retry rule.
func (g *grpcGateway) callOnce(ctx context.Context, req Request) (Response, bool, error) {
	stream, err := g.client.Call(ctx, toProtoRequest(req))
	if err != nil {
		return Response{}, false, fmt.Errorf("llmgateway: call rpc: %w", err)
	}

	var textBuilder strings.Builder
	var toolCalls []ToolCall
	var stats Stats

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Response{}, false, fmt.Errorf("llmgateway: stream recv: %w", err)
		}
		if chunk.GetRateLimited() {
			return Response{}, true, fmt.Errorf("llmgateway: rate limited: %s", chunk.GetError())
		}
		if chunk.GetError() != "" {
			return Response{}, false, fmt.Errorf("llmgateway: provider error: %s", chunk.GetError())
		}
		textBuilder.WriteString(chunk.GetContentDelta())
		for _, tc := range chunk.GetToolCalls() {
			args := map[string]any{}
			if tc.GetArgumentsJson() != "" {
				_ = json.Unmarshal([]byte(tc.GetArgumentsJson()), &args)
			}
			toolCalls = append(toolCalls, ToolCall{ID: tc.GetId(), Name: tc.GetName(), Arguments: args})
		}
		if p := chunk.GetPromptTokens(); p > 0 {
			stats.PromptTokens = int(p)
		}
		if c := chunk.GetCompletionTokens(); c > 0 {
			stats.CompletionTokens = int(c)
		}
		if ms := chunk.GetResponseMs(); ms > 0 {
			stats.ResponseMillis = ms
		}
		if cost := chunk.GetResponseCost(); cost > 0 {
			stats.ResponseCost = cost
		}
		if chunk.GetDone() {
			break
		}
	}

	content := textBuilder.String()
	if content == "" && len(toolCalls) > 0 {
		content, err = serializeToolCalls(toolCalls)
		if err != nil {
			return Response{}, false, err
		}
	}

	return Response{Content: content, Stats: stats}, false, nil
}

// serializeToolCalls implements spec.md §6's rule: tool-calls returned by
// the model must be serialised to a JSON string of the form
// {"tool_calls": [...]} when no plain-text content is returned.
func serializeToolCalls(calls []ToolCall) (string, error) {
	type wireCall struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	type wire struct {
		ToolCalls []wireCall `json:"tool_calls"`
	}
	w := wire{ToolCalls: make([]wireCall, len(calls))}
	for i, c := range calls {
		w.ToolCalls[i] = wireCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("llmgateway: serialize tool calls: %w", err)
	}
	return string(b), nil
}

func toProtoRequest(req Request) *llmpb.CallRequest {
	out := &llmpb.CallRequest{
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
	}
	for _, m := range req.Messages {
		pm := &llmpb.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallId: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			pm.ToolCalls = append(pm.ToolCalls, &llmpb.ToolCall{Id: tc.ID, Name: tc.Name, ArgumentsJson: string(argsJSON)})
		}
		out.Messages = append(out.Messages, pm)
	}
	for _, td := range req.Tools {
		paramsJSON, _ := json.Marshal(td.Parameters)
		out.Tools = append(out.Tools, &llmpb.ToolDefinition{Name: td.Name, Description: td.Description, ParametersJson: string(paramsJSON)})
	}
	if req.ResponseSchema != nil {
		schemaJSON, _ := json.Marshal(req.ResponseSchema)
		out.ResponseFormatJsonSchema = string(schemaJSON)
	}
	return out
}
