package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain is a registered site.
type Domain struct {
	ID          int64     `json:"id"`
	Domain      string    `json:"domain"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateDomainRequest registers a domain together with what was learned from
// its homepage.
type CreateDomainRequest struct {
	Domain      string `json:"domain"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Keyword is one discovered keyword opportunity.
type Keyword struct {
	ID         int64   `json:"id"`
	Keyword    string  `json:"keyword"`
	Cluster    string  `json:"cluster,omitempty"`
	Volume     int     `json:"volume"`
	Difficulty int     `json:"difficulty"`
	Score      float64 `json:"score"`
}

// IntentPhrase is a natural-language query a prospect might ask an assistant.
type IntentPhrase struct {
	ID        int64   `json:"id"`
	Phrase    string  `json:"phrase"`
	Intent    string  `json:"intent,omitempty"`
	Source    string  `json:"source,omitempty"`
	Relevance float64 `json:"relevance"`
}

// Job acknowledges an asynchronous generation request.
type Job struct {
	ID     string `json:"jobId,omitempty"`
	Status string `json:"status"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Temporary reports whether the request may succeed if repeated later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseErrorBody(b []byte) string {
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	return string(b)
}
