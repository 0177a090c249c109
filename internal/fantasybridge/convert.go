package fantasybridge

import (
	"errors"

	"charm.land/fantasy"

	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/stream"
)

// toFantasyPrompt converts history into a fantasy prompt. Runs of tool
// messages are merged into one tool message so every result of a step
// follows the assistant message that requested it.
func toFantasyPrompt(system string, input []proto.Message) fantasy.Prompt {
	messages := make([]fantasy.Message, 0, len(input)+1)
	if system != "" {
		messages = append(messages, textMessage(fantasy.MessageRoleSystem, system))
	}

	var results []fantasy.MessagePart
	flush := func() {
		if len(results) > 0 {
			messages = append(messages, fantasy.Message{Role: fantasy.MessageRoleTool, Content: results})
			results = nil
		}
	}
	for _, msg := range input {
		if msg.Role != proto.RoleTool {
			flush()
		}
		switch msg.Role {
		case proto.RoleSystem:
			messages = append(messages, textMessage(fantasy.MessageRoleSystem, msg.Content))
		case proto.RoleUser:
			messages = append(messages, textMessage(fantasy.MessageRoleUser, msg.Content))
		case proto.RoleAssistant:
			if parts := assistantParts(msg); len(parts) > 0 {
				messages = append(messages, fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: parts})
			}
		case proto.RoleTool:
			results = append(results, toolResultParts(msg)...)
		}
	}
	flush()
	return messages
}

func assistantParts(msg proto.Message) []fantasy.MessagePart {
	parts := make([]fantasy.MessagePart, 0, 1+len(msg.ToolCalls))
	if msg.Content != "" {
		parts = append(parts, fantasy.TextPart{Text: msg.Content})
	}
	for _, call := range msg.ToolCalls {
		parts = append(parts, fantasy.ToolCallPart{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Input:      string(call.Function.Arguments),
		})
	}
	return parts
}

func toolResultParts(msg proto.Message) []fantasy.MessagePart {
	parts := make([]fantasy.MessagePart, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		var output fantasy.ToolResultOutputContent = fantasy.ToolResultOutputContentText{Text: msg.Content}
		if call.IsError {
			output = fantasy.ToolResultOutputContentError{Error: errors.New(msg.Content)}
		}
		parts = append(parts, fantasy.ToolResultPart{ToolCallID: call.ID, Output: output})
	}
	return parts
}

func textMessage(role fantasy.MessageRole, text string) fantasy.Message {
	return fantasy.Message{
		Role:    role,
		Content: []fantasy.MessagePart{fantasy.TextPart{Text: text}},
	}
}

func fromStreamTools(tools []stream.Tool) []fantasy.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]fantasy.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, fantasy.FunctionTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Schema(),
		})
	}
	return out
}

func toolChoiceFor(tools []stream.Tool) *fantasy.ToolChoice {
	if len(tools) == 0 {
		return nil
	}
	choice := fantasy.ToolChoiceAuto
	return &choice
}
