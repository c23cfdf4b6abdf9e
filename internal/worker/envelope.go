// Package worker manages long-lived external synthesis processes that speak a
// newline-delimited JSON protocol over stdin/stdout.
package worker

// Request is one outbound message on a worker's stdin. Fields beyond Text and
// OutputFile are engine-specific and omitted when unused. encoding/json never
// emits raw newlines, so a marshalled request is always a single line.
type Request struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	LangCode   string  `json:"lang_code,omitempty"`
	ModelDir   string  `json:"model_dir,omitempty"`
	OutputFile string  `json:"output_file"`
}

// Response is the single line a worker writes on stdout for each request.
type Response struct {
	Status  string `json:"status"`
	File    string `json:"file,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)
