package domain

import "context"

// SegmentationRequest is an X-ray submitted to the inference service
type SegmentationRequest struct {
	Image    []byte
	Filename string
	ViewType string
}

// SegmentationResult is a validated inference response
type SegmentationResult struct {
	MaskPNG     []byte
	Annotations AnnotationSet
	Message     string
}

// Segmenter runs the remote segmentation model on an image
type Segmenter interface {
	Segment(ctx context.Context, req SegmentationRequest) (*SegmentationResult, error)
}
