package events

// Usage represents token usage reported (or estimated) for a generation.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens" mapstructure:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens" mapstructure:"output_tokens"`
}

// LLMInferenceData consolidates common inference metadata for logging and metrics.
type LLMInferenceData struct {
	Model      string  `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model,omitempty"`
	Path       string  `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path,omitempty"`
	StopReason *string `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty" mapstructure:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty" yaml:"usage,omitempty" mapstructure:"usage,omitempty"`
	DurationMs *int64  `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" mapstructure:"duration_ms,omitempty"`
}
