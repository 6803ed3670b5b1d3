package contenthttp

import "github.com/keithlinneman/portfolio-web/internal/content"

// UpdateRequest is the PUT /api/content body
type UpdateRequest struct {
	Locale  string           `json:"locale"`
	Content content.Document `json:"content"`
}

// UpdateResponse carries the effective document after the update
type UpdateResponse struct {
	Locale  content.Locale   `json:"locale"`
	Content content.Document `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}
