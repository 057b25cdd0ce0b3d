package config

// Config is the root of the assistant profile file.
type Config struct {
	Assistants []Assistant `json:"assistants"`
}

// Assistant describes the conversational agent bound to a call: which
// providers drive each pipeline stage and how the pipeline is tuned.
type Assistant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	FirstMessage string   `json:"first_message"`
	Language     string   `json:"language"`
	Stt          Provider `json:"stt"`
	Llm          Provider `json:"llm"`
	Tts          Provider `json:"tts"`
	Pipeline     Pipeline `json:"pipeline"`
}

// Provider names one vendor integration and its selection knobs.
type Provider struct {
	Vendor   string `json:"vendor"`
	Endpoint string `json:"endpoint"`
	ApiKey   string `json:"api_key"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
}

// Pipeline carries the per-session tuning constants. Thresholds are
// policy, not protocol, so they live in configuration.
type Pipeline struct {
	SilenceWindowMs    int     `json:"silence_window_ms"`
	AmplitudeThreshold float64 `json:"amplitude_threshold"`
	BargeInThreshold   float64 `json:"barge_in_threshold"`
	StageTimeoutMs     int     `json:"stage_timeout_ms"`
	IdleTimeoutMs      int     `json:"idle_timeout_ms"`
	MaxProviderRetries int     `json:"max_provider_retries"`
}
