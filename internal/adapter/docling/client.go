package docling

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
	"time"
)

var ErrEmptyDocument = errors.New("document has no extractable text")

const convertPath = "/v1/convert/file"

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type convertResponse struct {
	Status   string `json:"status"`
	Document struct {
		Markdown string `json:"md_content"`
		Text     string `json:"text_content"`
	} `json:"document"`
	Errors []struct {
		Message string `json:"error_message"`
	} `json:"errors"`
}

// Extract converts a document to markdown text.
func (c *Client) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	_ = mw.WriteField("to_formats", "md")
	_ = mw.WriteField("image_export_mode", "placeholder")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+convertPath, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("docling api error: %d %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if result.Status != "" && result.Status != "success" && result.Status != "partial_success" {
		msg := result.Status
		if len(result.Errors) > 0 {
			msg = result.Errors[0].Message
		}
		return "", fmt.Errorf("docling conversion failed: %s", msg)
	}

	text := result.Document.Markdown
	if strings.TrimSpace(text) == "" {
		text = result.Document.Text
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}
