package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// ConverterService talks to the external conversion engine over HTTP.
// The engine takes the source file plus per-job options as a multipart
// form and streams the converted document back.
type ConverterService struct {
	baseURL string
	client  *http.Client
}

func NewConverterService(baseURL string) *ConverterService {
	return &ConverterService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Convert runs one conversion. deviceProfile selects the output target
// and options carries free-form tuning fields passed through verbatim.
// Returns the path of the converted file next to the input.
func (c *ConverterService) Convert(ctx context.Context, inputPath string, deviceProfile string, options map[string]string) (string, error) {
	// Open input file
	file, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// Add file
	part, err := writer.CreateFormFile("file", filepath.Base(inputPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	writer.WriteField("profile", deviceProfile)
	for key, value := range options {
		writer.WriteField(key, value)
	}

	// Close writer
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	// Create request
	url := fmt.Sprintf("%s/convert", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	// Send request
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("converter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("converter returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// Save response to temporary file
	outputPath := outputPathFor(inputPath, deviceProfile)
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save converted file: %w", err)
	}

	return outputPath, nil
}

// outputPathFor derives the converted file name from the input and the
// target profile's extension.
func outputPathFor(inputPath, deviceProfile string) string {
	ext := ".epub"
	switch deviceProfile {
	case "kindle", "kindle-paperwhite", "kindle-oasis", "kindle-scribe":
		ext = ".azw3"
	case "pdf":
		ext = ".pdf"
	}
	base := inputPath[:len(inputPath)-len(filepath.Ext(inputPath))]
	return base + ".converted" + ext
}
