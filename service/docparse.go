package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/pkg/logger"
)

var ErrDocParseFailed = errors.New("document extraction failed")

// TextExtractor turns a fetchable document URL into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, documentURL, dataID string) (string, error)
}

// DocParseClient talks to a MinerU-style extraction API: create a task for a
// document URL, poll it, then download the result archive and read the
// markdown rendering out of it.
type DocParseClient struct {
	config       *config.DocParseConfig
	httpClient   *http.Client
	pollInterval time.Duration
}

type docTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	DataID       string `json:"data_id,omitempty"`
}

type docTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// DocTaskStatus is the task status payload.
type DocTaskStatus struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	TraceID string `json:"trace_id"`
	Data    struct {
		TaskID          string `json:"task_id"`
		DataID          string `json:"data_id"`
		State           string `json:"state"` // pending, running, converting, done, failed
		FullZipURL      string `json:"full_zip_url,omitempty"`
		ErrorMsg        string `json:"err_msg,omitempty"`
		ExtractProgress struct {
			ExtractedPages int `json:"extracted_pages"`
			TotalPages     int `json:"total_pages"`
		} `json:"extract_progress,omitempty"`
	} `json:"data"`
}

func NewDocParseClient(cfg *config.DocParseConfig) *DocParseClient {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &DocParseClient{
		config:       cfg,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: interval,
	}
}

// ExtractText runs a full extraction. The configured timeout bounds the whole run.
func (s *DocParseClient) ExtractText(ctx context.Context, documentURL, dataID string) (string, error) {
	if s.config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	taskID, err := s.CreateTask(ctx, documentURL, dataID)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "document extraction task created", "task_id", taskID, "data_id", dataID)

	zipURL, err := s.wait(ctx, taskID)
	if err != nil {
		return "", err
	}
	return s.FetchMarkdown(ctx, zipURL)
}

func (s *DocParseClient) wait(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		status, err := s.TaskStatus(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status.Data.State {
		case "done":
			if status.Data.FullZipURL == "" {
				return "", fmt.Errorf("task %s: %w: no result archive", taskID, ErrDocParseFailed)
			}
			return status.Data.FullZipURL, nil
		case "failed":
			return "", fmt.Errorf("task %s: %w: %s", taskID, ErrDocParseFailed, status.Data.ErrorMsg)
		}
		logger.Debug(ctx, "document extraction pending",
			"task_id", taskID,
			"state", status.Data.State,
			"pages", status.Data.ExtractProgress.ExtractedPages,
			"total_pages", status.Data.ExtractProgress.TotalPages,
		)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CreateTask creates a new extraction task
func (s *DocParseClient) CreateTask(ctx context.Context, documentURL, dataID string) (string, error) {
	body, err := json.Marshal(docTaskRequest{
		URL:          documentURL,
		ModelVersion: s.config.ModelVersion,
		DataID:       dataID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var result docTaskResponse
	if err := s.call(ctx, http.MethodPost, s.config.APIURL+"/extract/task", body, &result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("%w: %s", ErrDocParseFailed, result.Message)
	}
	return result.Data.TaskID, nil
}

// TaskStatus queries the status of a task
func (s *DocParseClient) TaskStatus(ctx context.Context, taskID string) (*DocTaskStatus, error) {
	var result DocTaskStatus
	if err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocParseFailed, result.Message)
	}
	return &result, nil
}

func (s *DocParseClient) call(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// FetchMarkdown downloads the result archive and returns its markdown text,
// preferring full.md over any other .md entry.
func (s *DocParseClient) FetchMarkdown(ctx context.Context, zipURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()

	zipData, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read archive: %w", err)
	}
	logger.Debug(ctx, "extraction archive downloaded", "bytes", len(zipData))

	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}

	var fallback *zip.File
	for _, f := range zr.File {
		switch {
		case path.Base(f.Name) == "full.md":
			return readZipFile(f)
		case fallback == nil && strings.HasSuffix(strings.ToLower(f.Name), ".md"):
			fallback = f
		}
	}
	if fallback != nil {
		return readZipFile(fallback)
	}
	return "", fmt.Errorf("%w: no markdown in archive", ErrDocParseFailed)
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return string(data), nil
}
