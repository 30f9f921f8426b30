// Package segmentation talks to the remote tooth segmentation service.
// Responses are validated here so that nothing malformed ever becomes an
// AnnotationSet.
package segmentation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/teeth"
)

var (
	ErrInvalidResponse   = errors.New("invalid segmentation response")
	ErrMalformedResponse = errors.New("malformed segmentation response")
)

// PredictPath is appended to the service base URL.
const PredictPath = "/predict_image/"

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("segmentation service returned status %d: %s", e.StatusCode, e.Detail)
}

// Client calls the segmentation service over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client with its own http.Client bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type predictResponse struct {
	Mask     string `json:"mask"`
	JSONData *struct {
		ImageSize []float64      `json:"image_size"`
		View      string         `json:"view"`
		Teeth     *[]domain.Tooth `json:"teeth"`
	} `json:"json_data"`
	Message string `json:"message"`
}

// Segment uploads the image and returns the validated result.
func (c *Client) Segment(ctx context.Context, req domain.SegmentationRequest) (*domain.SegmentationResult, error) {
	body, contentType, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("while encoding segmentation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+PredictPath, body)
	if err != nil {
		return nil, fmt.Errorf("while creating segmentation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	log.Printf("segmentation: sending %s (view %s, %d bytes)", req.Filename, req.ViewType, len(req.Image))
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("while calling segmentation service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("while reading segmentation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("segmentation: service returned status %d: %s", resp.StatusCode, data)
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}
	return ParseResponse(data)
}

// ParseResponse validates a raw service response.
func ParseResponse(data []byte) (*domain.SegmentationResult, error) {
	var parsed predictResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if parsed.Mask == "" {
		return nil, fmt.Errorf("%w: missing mask", ErrInvalidResponse)
	}
	if parsed.JSONData == nil || parsed.JSONData.Teeth == nil {
		return nil, fmt.Errorf("%w: missing json_data.teeth", ErrInvalidResponse)
	}
	if len(parsed.JSONData.ImageSize) != 2 {
		return nil, fmt.Errorf("%w: image_size must be [height, width]", ErrInvalidResponse)
	}
	size := domain.ImageSize{parsed.JSONData.ImageSize[0], parsed.JSONData.ImageSize[1]}
	if !size.Valid() {
		return nil, fmt.Errorf("%w: image_size %v is not positive", ErrInvalidResponse, parsed.JSONData.ImageSize)
	}

	mask, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(parsed.Mask, MaskDataURIPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: mask is not base64: %w", ErrInvalidResponse, err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(mask)); err != nil {
		return nil, fmt.Errorf("%w: mask is not a PNG: %w", ErrInvalidResponse, err)
	}

	set := domain.AnnotationSet{
		ImageSize: size,
		View:      parsed.JSONData.View,
		Teeth:     *parsed.JSONData.Teeth,
		Message:   parsed.Message,
	}
	return &domain.SegmentationResult{
		MaskPNG:     mask,
		Annotations: teeth.RecalculateAll(set),
		Message:     parsed.Message,
	}, nil
}

// MaskDataURIPrefix turns a base64 PNG into a data URI.
const MaskDataURIPrefix = "data:image/png;base64,"

// MaskDataURI encodes a mask the way browsers display it inline.
func MaskDataURI(mask []byte) string {
	return MaskDataURIPrefix + base64.StdEncoding.EncodeToString(mask)
}

func encodeRequest(req domain.SegmentationRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	filename := req.Filename
	if filename == "" {
		filename = "image"
	}
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("view_type", req.ViewType); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// errorDetail prefers the "detail" field of a JSON error body.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Detail) == 0 {
		return string(body)
	}
	var detail string
	if err := json.Unmarshal(parsed.Detail, &detail); err == nil {
		return detail
	}
	return string(parsed.Detail)
}

var _ domain.Segmenter = (*Client)(nil)
