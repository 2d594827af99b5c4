// Package vision_service wraps the vision-language adapter used to describe
// cropped figure images in natural language.
package vision_service

import "context"

// Description is the outcome of one vision call. TokensUsed feeds the
// sub-pipeline's cost accounting.
type Description struct {
	Text       string
	TokensUsed int
}

type VisionService interface {
	Describe(ctx context.Context, image []byte) (*Description, error)
}
