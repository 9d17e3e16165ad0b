package protocol

import "time"

// SynthesizeRequest is the body of POST /synthesize, POST /synthesize_base64
// and the bus synthesis request. Absent fields take the server defaults.
type SynthesizeRequest struct {
	Text    string   `json:"text"`
	Lang    string   `json:"lang,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
	Speaker *string  `json:"speaker,omitempty"`
}

// SynthesizeReply carries base64 WAV audio. Error is only set on bus replies;
// HTTP failures use ErrorResponse.
type SynthesizeReply struct {
	AudioBase64 string `json:"audio_base64,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status          string   `json:"status"`
	Device          string   `json:"device"`
	LoadedLanguages []string `json:"loaded_languages"`
}

type SpeakersResponse struct {
	Language   string         `json:"language"`
	Speakers   []string       `json:"speakers"`
	SpeakerIDs map[string]int `json:"speaker_ids"`
}

const SubjectSynthesize = "tts.synthesize"

// HistoryEntry is one row of GET /history.
type HistoryEntry struct {
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	Format     string    `json:"format"`
	Language   string    `json:"language"`
	Speaker    string    `json:"speaker,omitempty"`
	TextChars  int       `json:"text_chars"`
	Speed      float64   `json:"speed"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	AudioBytes int       `json:"audio_bytes"`
	LoadMS     int64     `json:"load_ms"`
	SynthMS    int64     `json:"synth_ms"`
	EncodeMS   int64     `json:"encode_ms"`
	TotalMS    int64     `json:"total_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
