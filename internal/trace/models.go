package trace

import "time"

// Session represents one caller's ASP connection to the bridge, from
// session_start through session_end.
type Session struct {
	ID        string     `json:"id"`
	Metadata  string     `json:"metadata"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count,omitempty"`
}

// Turn represents one conversational turn: a caller utterance carried
// through STT, the LLM response, and the TTS reply spoken back.
type Turn struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Response   string  `json:"response,omitempty"`
	Status     string  `json:"status"`
	SpanCount  int     `json:"span_count,omitempty"`
}

// Span represents one stage of a turn's pipeline (stt, llm_ttft,
// llm_total, tts_ttfb).
type Span struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
