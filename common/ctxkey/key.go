package ctxkey

const (
	RequestId         = "X-Request-Id"
	Account           = "account"
	AccountId         = "account_id"
	Channel           = "channel"
	RequestModel      = "request_model"
	MappedModel       = "mapped_model"
	SpecificAccountId = "specific_account_id"
	ClaudeRequest     = "claude_request"
	PromptTokens      = "prompt_tokens"
	AdminSession      = "admin_session"
)
