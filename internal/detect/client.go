// Package detect talks to the external face-detection service and handles
// the crop/restore mapping between detected face regions and the original
// full-resolution frames.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const defaultDetectorURL = "http://localhost:8001"

// Face is a single detection reported by the service.
type Face struct {
	BBox     []float64 `json:"bbox"` // [x1, y1, x2, y2] in frame pixels
	DetScore float64   `json:"det_score"`
}

// detectResponse represents the response from the detection endpoint.
type detectResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// Client calls the face-detection service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a detector client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultDetectorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// DetectBest uploads an encoded image and returns the highest-scoring face.
func (c *Client) DetectBest(ctx context.Context, imageData []byte) (*Face, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var detResp detectResponse
	if err := json.Unmarshal(body, &detResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(detResp.Faces) == 0 {
		return nil, errors.New("no face detected")
	}

	best := &detResp.Faces[0]
	for i := 1; i < len(detResp.Faces); i++ {
		if detResp.Faces[i].DetScore > best.DetScore {
			best = &detResp.Faces[i]
		}
	}
	if len(best.BBox) != 4 {
		return nil, fmt.Errorf("detection bbox has %d coordinates, want 4", len(best.BBox))
	}
	return best, nil
}
