package transport

import "afiss_backend/internal/embeddings/index"

// IndexDocumentRequest is the body of POST /index/documents.
type IndexDocumentRequest struct {
	DocumentType string            `json:"documentType" validate:"required,notblank,max=64"`
	DocumentID   string            `json:"documentId" validate:"required,notblank,max=200"`
	Content      string            `json:"content" validate:"required,notblank,max=20000"`
	Metadata     map[string]string `json:"metadata"`
}

// QueryRequest is the body of POST /index/query.
type QueryRequest struct {
	Text         string `json:"text" validate:"required,notblank,max=20000"`
	K            int    `json:"k" validate:"required,min=1,max=100"`
	DocumentType string `json:"documentType" validate:"omitempty,max=64"`
}

// QueryResponse wraps query hits.
type QueryResponse struct {
	Matches []index.Match `json:"matches"`
}
