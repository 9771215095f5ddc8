package client

import (
	"context"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

// VisionClient is the contract every remote vision provider adapter satisfies.
// The three calls are independent; adapters perform no retries.
type VisionClient interface {
	DetectLabels(ctx context.Context, img types.Image) ([]types.Label, error)
	DetectFaces(ctx context.Context, img types.Image) ([]types.FaceDetail, error)
	CompareFaces(ctx context.Context, img types.Image, referenceCollectionID string) ([]types.FaceMatch, error)
}

// ChatBackend sends a prompt plus images to a multimodal chat model and
// returns the raw text answer.
type ChatBackend interface {
	Query(ctx context.Context, model, prompt string, images ...[]byte) (string, error)
}
