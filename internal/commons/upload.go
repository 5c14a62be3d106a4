package commons

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
)

// UploadRequest is a file plus its description page.
type UploadRequest struct {
	Filename string
	Path     string
	Text     string
	Comment  string
}

// UploadResult describes a published file.
type UploadResult struct {
	Filename string
	URL      string
}

// Upload publishes the file and its description page in a single
// action=upload call. Warnings are never ignored.
func (c *Client) Upload(ctx context.Context, up UploadRequest) (*UploadResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := uploadBody(up, token)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req, "upload")
	if err != nil {
		return nil, err
	}

	result, _ := resp.GetString("upload", "result")
	switch result {
	case "Success":
	case "Warning":
		warnings := map[string]string{}
		if w, err := resp.GetObject("upload", "warnings"); err == nil {
			for k, v := range w.Map() {
				if s, err := v.String(); err == nil {
					warnings[k] = s
				} else {
					warnings[k] = fmt.Sprint(v.Interface())
				}
			}
		}
		return nil, &UploadWarningError{Filename: up.Filename, Warnings: warnings}
	default:
		return nil, fmt.Errorf("unexpected upload result %q for %s", result, up.Filename)
	}

	name, err := resp.GetString("upload", "filename")
	if err != nil || name == "" {
		name = up.Filename
	}
	pageURL, err := resp.GetString("upload", "imageinfo", "descriptionurl")
	if err != nil || pageURL == "" {
		pageURL = c.FileURL(name)
	}

	c.logger.Info("Uploaded file", "filename", name, "url", pageURL)
	return &UploadResult{Filename: name, URL: pageURL}, nil
}

func uploadBody(up UploadRequest, token string) (io.Reader, string, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w: %w", up.Path, pipeline.ErrPrecondition, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"action", "upload"},
		{"format", "json"},
		{"formatversion", "2"},
		{"assert", "user"},
		{"maxlag", maxLag},
		{"filename", up.Filename},
		{"text", up.Text},
		{"comment", up.Comment},
		{"token", token},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", kv[0], err)
		}
	}

	part, err := w.CreateFormFile("file", filepath.Base(up.Path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", up.Path, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
