// ABOUTME: Broadcast event payloads for the session wire protocol.
// ABOUTME: Serialized once per event and fanned out to every subscriber.

package session

import "encoding/json"

type userMessageEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ChatID  string `json:"chatId"`
}

type assistantMessageEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ChatID  string `json:"chatId"`
}

type toolUseEvent struct {
	Type      string          `json:"type"`
	ToolName  string          `json:"toolName"`
	ToolID    string          `json:"toolId"`
	ToolInput json.RawMessage `json:"toolInput"`
	ChatID    string          `json:"chatId"`
}

type resultEvent struct {
	Type     string  `json:"type"`
	Success  bool    `json:"success"`
	ChatID   string  `json:"chatId"`
	Cost     float64 `json:"cost"`
	Duration int64   `json:"duration"` // milliseconds
}

type interruptedEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type errorEvent struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	ChatID string `json:"chatId"`
}
