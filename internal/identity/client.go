// Package identity implements gender verification: a selfie is forwarded to
// the analysis service and the result is returned to the client as a short
// lived signed token. Image bytes are held only for the duration of the
// upstream call and are never written to storage or logs.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// GenderResult is the analysis service's verdict for one image.
type GenderResult struct {
	Gender     string  `json:"gender"`
	Confidence float64 `json:"confidence"`
}

// Client calls the external gender-analysis HTTP service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the analysis service at baseURL. Inference
// is slow on cold models, hence the generous timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// AnalyzeGender uploads the image and returns the service's verdict. Upstream
// rejections (no face detected, undecodable image) come back as errors
// carrying the service's detail message.
func (c *Client) AnalyzeGender(ctx context.Context, image []byte) (GenderResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "upload.jpg")
	if err != nil {
		return GenderResult{}, fmt.Errorf("identity: build upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return GenderResult{}, fmt.Errorf("identity: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return GenderResult{}, fmt.Errorf("identity: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze-gender", &body)
	if err != nil {
		return GenderResult{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return GenderResult{}, fmt.Errorf("identity: analysis service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GenderResult{}, fmt.Errorf("identity: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &fail) == nil && fail.Detail != "" {
			return GenderResult{}, fmt.Errorf("identity: analysis failed: %s", fail.Detail)
		}
		return GenderResult{}, fmt.Errorf("identity: analysis failed with status %d", resp.StatusCode)
	}

	var result GenderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return GenderResult{}, fmt.Errorf("identity: decode response: %w", err)
	}
	return result, nil
}
