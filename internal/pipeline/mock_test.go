package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/chartwise-health/chartwise/internal/textextract"
	"github.com/chartwise-health/chartwise/pkg/anthropic"
)

// --- Anthropic Mock ---

type mockAIClient struct {
	mock.Mock
}

func (m *mockAIClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Text Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, pdfPath string) (*textextract.Extraction, error) {
	args := m.Called(ctx, pdfPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*textextract.Extraction), args.Error(1)
}

// textResponse wraps a raw model response the way the API returns it.
func textResponse(model, text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg-test",
		Model:   model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}
