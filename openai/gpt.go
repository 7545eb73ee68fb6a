// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package openai carries the two OpenAI-facing clients: streaming Whisper
// transcription and single shot chat completions with the legacy functions
// surface.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt/functions"
)

// Wire roles of the chat completion API. System messages are synthesized
// per request and never stored in the conversation log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// FunctionCall is a tool invocation requested by the model. Arguments is
// the raw JSON object string from the wire.
type FunctionCall struct {
	Name      string
	Arguments string
}

// Message is one conversation log entry.
type Message struct {
	Role    string
	Content string
	// FunctionCall is set on assistant messages that request a tool run
	// instead of carrying text.
	FunctionCall *FunctionCall
	// Name is the tool name on RoleFunction results.
	Name string
}

// UserMessage builds a caller turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an agent turn.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// FunctionResult builds a tool result turn for the named tool.
func FunctionResult(name, content string) Message {
	return Message{Role: RoleFunction, Name: name, Content: content}
}

// GPTClient issues chat completions. The system prompt is rebuilt on every
// request so the spoken date stays current across midnight.
type GPTClient struct {
	client   oai.Client
	model    string
	location string
	log      zerolog.Logger
}

// GPTOption configures a GPTClient.
type GPTOption func(*GPTClient, *[]option.RequestOption)

// WithGPTBaseURL overrides the API base URL.
func WithGPTBaseURL(url string) GPTOption {
	return func(_ *GPTClient, reqOpts *[]option.RequestOption) {
		*reqOpts = append(*reqOpts, option.WithBaseURL(url))
	}
}

// WithGPTHTTPClient overrides the HTTP client.
func WithGPTHTTPClient(httpc *http.Client) GPTOption {
	return func(_ *GPTClient, reqOpts *[]option.RequestOption) {
		*reqOpts = append(*reqOpts, option.WithHTTPClient(httpc))
	}
}

// WithLocation sets where the agent claims to be.
func WithLocation(location string) GPTOption {
	return func(c *GPTClient, _ *[]option.RequestOption) {
		c.location = location
	}
}

func NewGPTClient(apiKey, model string, opts ...GPTOption) *GPTClient {
	c := &GPTClient{
		model:    model,
		location: "Barcelona, Spain",
		log:      log.With().Str("caller", "openai").Logger(),
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(c, &reqOpts)
	}
	c.client = oai.NewClient(reqOpts...)
	return c
}

func (c *GPTClient) systemPrompt() string {
	return "You are a phone agent living in an old rotary phone, acting as a smart home assistant. " +
		"Keep your responses short and casual. Oh, you have a German accent. Today's date is " +
		time.Now().UTC().Format("2006-01-02, Monday") + ". You are physically located in " +
		c.location + "."
}

// Complete sends the conversation log plus the tool schemas and returns the
// model's next message. The returned message carries either Content or a
// FunctionCall.
func (c *GPTClient) Complete(ctx context.Context, items []Message, funcs []functions.Schema) (Message, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(items)+1),
	}
	params.Messages = append(params.Messages, oai.SystemMessage(c.systemPrompt()))
	for _, m := range items {
		converted, err := messageParam(m)
		if err != nil {
			return Message{}, err
		}
		params.Messages = append(params.Messages, converted)
	}
	for _, f := range funcs {
		params.Functions = append(params.Functions, oai.ChatCompletionNewParamsFunction{
			Name:        f.Name,
			Description: param.NewOpt(f.Description),
			Parameters:  shared.FunctionParameters(f.Parameters.Map()),
		})
	}

	c.log.Debug().Int("messages", len(params.Messages)).Int("functions", len(params.Functions)).
		Msg("Sending chat completion")

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Message{}, fmt.Errorf("chat completion: no choices in response")
	}

	msg := completion.Choices[0].Message
	out := Message{Role: RoleAssistant, Content: msg.Content}
	if msg.FunctionCall.Name != "" {
		out.FunctionCall = &FunctionCall{
			Name:      msg.FunctionCall.Name,
			Arguments: msg.FunctionCall.Arguments,
		}
	}
	return out, nil
}

func messageParam(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleUser:
		return oai.UserMessage(m.Content), nil

	case RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.FunctionCall != nil {
			asst.FunctionCall = oai.ChatCompletionAssistantMessageParamFunctionCall{
				Name:      m.FunctionCall.Name,
				Arguments: m.FunctionCall.Arguments,
			}
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case RoleFunction:
		return oai.ChatCompletionMessageParamUnion{OfFunction: &oai.ChatCompletionFunctionMessageParam{
			Name:    m.Name,
			Content: oai.String(m.Content),
		}}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported message role %q", m.Role)
}
