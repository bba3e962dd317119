package pipeline

// Costs counts the billable units consumed by a call.
type Costs struct {
	TranscriptionSeconds float64 `json:"transcription_seconds"`
	PromptTokens         int     `json:"prompt_tokens"`
	CompletionTokens     int     `json:"completion_tokens"`
	SynthesisCharacters  int     `json:"synthesis_characters"`
	TelephonySeconds     float64 `json:"telephony_seconds"`
}

// Add returns the sum of c and o.
func (c Costs) Add(o Costs) Costs {
	return Costs{
		TranscriptionSeconds: c.TranscriptionSeconds + o.TranscriptionSeconds,
		PromptTokens:         c.PromptTokens + o.PromptTokens,
		CompletionTokens:     c.CompletionTokens + o.CompletionTokens,
		SynthesisCharacters:  c.SynthesisCharacters + o.SynthesisCharacters,
		TelephonySeconds:     c.TelephonySeconds + o.TelephonySeconds,
	}
}

// Rates are unit prices in USD.
type Rates struct {
	TranscriptionPerMinute  float64 `mapstructure:"transcription_per_minute" json:"transcription_per_minute"`
	PromptPerMillion        float64 `mapstructure:"prompt_per_million" json:"prompt_per_million"`
	CompletionPerMillion    float64 `mapstructure:"completion_per_million" json:"completion_per_million"`
	SynthesisPerMillionChar float64 `mapstructure:"synthesis_per_million_chars" json:"synthesis_per_million_chars"`
	TelephonyPerMinute      float64 `mapstructure:"telephony_per_minute" json:"telephony_per_minute"`
}

// CostBreakdown is a priced Costs.
type CostBreakdown struct {
	Units         Costs   `json:"units"`
	Transcription float64 `json:"transcription_usd"`
	Generation    float64 `json:"generation_usd"`
	Synthesis     float64 `json:"synthesis_usd"`
	Telephony     float64 `json:"telephony_usd"`
	Total         float64 `json:"total_usd"`
}

// Price applies the rates to c.
func (r Rates) Price(c Costs) CostBreakdown {
	b := CostBreakdown{
		Units:         c,
		Transcription: c.TranscriptionSeconds / 60 * r.TranscriptionPerMinute,
		Generation: float64(c.PromptTokens)/1e6*r.PromptPerMillion +
			float64(c.CompletionTokens)/1e6*r.CompletionPerMillion,
		Synthesis: float64(c.SynthesisCharacters) / 1e6 * r.SynthesisPerMillionChar,
		Telephony: c.TelephonySeconds / 60 * r.TelephonyPerMinute,
	}
	b.Total = b.Transcription + b.Generation + b.Synthesis + b.Telephony
	return b
}
