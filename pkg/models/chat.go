package models

// Role identifies the author of a ChatTurn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "ai"
)

// ChatTurn is one message within a session's history.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HumanTurn returns a ChatTurn authored by the caller.
func HumanTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleHuman, Content: content}
}

// AssistantTurn returns a ChatTurn authored by the model.
func AssistantTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleAssistant, Content: content}
}

// ProviderRole maps a turn role to the OpenAI chat role name.
func (r Role) ProviderRole() string {
	if r == RoleAssistant {
		return "assistant"
	}
	return "user"
}
