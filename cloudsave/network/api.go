package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodySize = 4096

type initiateUploadRequest struct {
	AssetID     string `json:"id"`
	Key         string `json:"key"`
	NumberParts int    `json:"no_of_parts"`
}

type initiateUploadResponse struct {
	UploadID      string   `json:"upload_id"`
	Key           string   `json:"key"`
	PresignedURLs []string `json:"presigned_urls"`
}

type completeUploadRequest struct {
	AssetID  string       `json:"id"`
	Key      string       `json:"key"`
	UploadID string       `json:"upload_id"`
	Parts    []PartResult `json:"parts"`
}

type apiClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

func (c apiClient) initiateUpload(ctx context.Context, token string, requestBody initiateUploadRequest) (initiateUploadResponse, error) {
	url := fmt.Sprintf("%s/assets/upload/multipart", c.baseURL)

	var response initiateUploadResponse
	resp, err := c.postJSON(ctx, url, token, requestBody, "Initiate")
	if err != nil {
		return initiateUploadResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return initiateUploadResponse{}, &RejectedError{Stage: StageNegotiate, Reason: unwrapError(resp).Error()}
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return initiateUploadResponse{}, fmt.Errorf("decode response: %w", err)
	}

	return response, nil
}

func (c apiClient) completeUpload(ctx context.Context, token string, requestBody completeUploadRequest) error {
	url := fmt.Sprintf("%s/assets/upload/multipart/complete", c.baseURL)

	resp, err := c.postJSON(ctx, url, token, requestBody, "Complete")
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Complete response dump: %s", string(dump))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{Stage: StageConfirm, Reason: unwrapError(resp).Error()}
	}

	return nil
}

func (c apiClient) postJSON(ctx context.Context, url, token string, requestBody interface{}, name string) (*http.Response, error) {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", name, string(dump))

	return c.httpClient.Do(req)
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(errorResp)))
}
