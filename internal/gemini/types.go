// Package gemini defines the upstream-native request and response
// shapes for the Cloud Code internal generate endpoints. These types
// are the canonical internal form: both client-facing protocols map
// into and out of them.
package gemini

// Envelope wraps a generate request the way the internal endpoints
// expect it: the model and project ride alongside the request body.
type Envelope struct {
	Model     string          `json:"model"`
	Project   string          `json:"project"`
	RequestID string          `json:"requestId,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	Request   GenerateRequest `json:"request"`
}

// GenerateRequest is the request body proper.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one unit of content. Exactly one of the value fields is
// normally set; Thought and ThoughtSignature annotate reasoning parts.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// GenerationConfig mirrors the upstream generation knobs we forward.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig controls reasoning output and its token budget.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

// Tool declares callable functions to the model.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable function.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig carries the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects how the model may call functions.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// ResponseFrame is one decoded upstream frame. The internal endpoints
// wrap the payload in a "response" object; some surfaces return the
// bare shape, so both are accepted.
type ResponseFrame struct {
	Response *ResponseData `json:"response,omitempty"`

	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Data returns the candidate/usage payload regardless of wrapping.
func (f *ResponseFrame) Data() ResponseData {
	if f.Response != nil {
		return *f.Response
	}
	return ResponseData{Candidates: f.Candidates, UsageMetadata: f.UsageMetadata}
}

// ResponseData is the unwrapped response payload.
type ResponseData struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one generated alternative. The gateway only ever
// consumes index zero.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index,omitempty"`
}

// UsageMetadata carries upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}
