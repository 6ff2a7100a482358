// Package texts holds the static user-facing reply strings. Keeping
// them in one place makes the bot's voice easy to review and translate.
package texts

const (
	Start = `Hi! I gate access to a locally hosted Ollama instance.

Only one person can use the model at a time. Pick a model with /models,
then just send me text to chat. Use /help for the full command list.`

	Help = `Commands:
/models - list available models and pick one
/status - show your current model and settings
/end - end your session and unload the model
/clearhistory - clear the conversation history
/settemp - set temperature (0.0 - 2.0)
/settopp - set top_p (0.0 - 1.0)
/setmax - set max tokens (> 0)
/system - set the system prompt
/cancel - cancel a pending settings prompt
/ping - check that the inference engine is reachable

While you hold the model, nobody else can use it. Sessions end
automatically after 5 minutes of inactivity.`

	// Model selection.
	ChooseModel     = "Choose a model:"
	NoModels        = "Ollama returned no models. Make sure the service is running and models are installed."
	ModelLoading    = "Loading the model into memory..."
	ModelReady      = "Model is ready."
	NeedSelectModel = "Select a model first with /models."

	// Session lifecycle.
	SessionEnded    = "Session ended. Model and settings have been reset."
	ModelUnloading  = "Unloading the model from memory..."
	ModelUnloaded   = "Model unloaded."
	HistoryCleared  = "Conversation history cleared (the model was not restarted)."
	InactivityEnded = "Your session was ended after a period of inactivity and the model was unloaded."
	PendingCanceled = "Pending input canceled."

	// Settings prompts.
	PromptEnterTemp   = "Send a temperature between 0.0 and 2.0 (e.g. 0.7)."
	PromptEnterTopP   = "Send a top_p between 0.0 and 1.0 (e.g. 0.9)."
	PromptEnterMax    = "Send a max token count (a positive integer, e.g. 512)."
	PromptEnterSystem = "Send the system prompt text. Send an empty-looking message to clear it."
	SystemPromptSet   = "System prompt set."

	// Validation errors. Rejection leaves the previous value unchanged.
	ErrTemp = "Invalid temperature. Send a number between 0.0 and 2.0."
	ErrTopP = "Invalid top_p. Send a number between 0.0 and 1.0."
	ErrMax  = "Invalid max tokens. Send a positive integer."

	// Format strings; the caller supplies the dynamic part.
	BusyFmt          = "The bot is busy with user %d. Try again later."
	ErrChatFmt       = "Model request failed: %v"
	ModelSelectedFmt = "Model selected: %s"
	WarmupFailedFmt  = "Could not prepare the model: %v"
	UnloadFailedFmt  = "Could not unload the model: %v"
	PingOKFmt        = "Ollama is reachable (version %s)."

	// Status fragments.
	StatusSystemSet    = "System prompt: set"
	StatusSystemNotSet = "System prompt: not set"

	// Lifecycle notices.
	ShuttingDown = "The bot is shutting down. Your session has been ended."
	Started      = "The bot is back online. Pick a model with /models to start."

	// Engine health.
	EngineDown = "Ollama is not reachable. Check that the service is running."
)
