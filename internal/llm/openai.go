package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/ent0n29/alloy/internal/conversation"
)

const (
	DefaultOpenAIModel = "gpt-4o"

	finishReasonContentFilter = "content_filter"
)

// OpenAIAdapter streams chat completions with image parts and tool calls.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (a *OpenAIAdapter) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	params, err := a.completionParams(req)
	if err != nil {
		return ChatResponse{}, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		out     strings.Builder
		calls   = map[int64]*Invocation{}
		finish  string
		refusal string
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if s := choice.Delta.Content; s != "" {
			out.WriteString(s)
			if onDelta != nil {
				if err := onDelta(s); err != nil {
					return ChatResponse{}, err
				}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			inv, ok := calls[tc.Index]
			if !ok {
				inv = &Invocation{}
				calls[tc.Index] = inv
			}
			if tc.ID != "" {
				inv.ID = tc.ID
			}
			inv.Name += tc.Function.Name
			inv.RawArguments += tc.Function.Arguments
		}
		refusal += choice.Delta.Refusal
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("openai stream: %w", err)
	}

	if finish == finishReasonContentFilter || (refusal != "" && out.Len() == 0) {
		return ChatResponse{}, fmt.Errorf("%w: %s", ErrContentFiltered, strings.TrimSpace(refusal))
	}

	return ChatResponse{
		Text:         out.String(),
		Calls:        orderedCalls(calls),
		FinishReason: finish,
	}, nil
}

func (a *OpenAIAdapter) completionParams(req ChatRequest) (openai.ChatCompletionNewParams, error) {
	msgs, err := convertTurns(req.Turns)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    a.model,
	}
	for _, c := range req.Capabilities {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        c.Name,
				Description: param.NewOpt(c.Description),
				Parameters:  c.Parameters(),
			},
		})
	}
	return params, nil
}

func convertTurns(turns []conversation.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(turn.Text()),
					},
				},
			})
		case conversation.RoleAssistant:
			text := turn.Text()
			if text == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(text),
					},
				},
			})
		case conversation.RoleUser:
			out = append(out, convertUserTurn(turn))
		default:
			return nil, fmt.Errorf("unexpected turn role %q", turn.Role)
		}
	}
	return out, nil
}

func convertUserTurn(turn conversation.Turn) openai.ChatCompletionMessageParamUnion {
	if !turn.HasFrame() {
		return openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: param.NewOpt(turn.Text()),
				},
			},
		}
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		switch {
		case p.Frame != nil:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: p.Frame.DataURL(),
			}))
		case p.Text != "":
			parts = append(parts, openai.TextContentPart(p.Text))
		}
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}

func orderedCalls(calls map[int64]*Invocation) []Invocation {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int64, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	out := make([]Invocation, 0, len(idx))
	for _, i := range idx {
		inv := *calls[i]
		inv.Arguments = decodeArguments(inv.RawArguments)
		out = append(out, inv)
	}
	return out
}
