package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/jobagent/jobagent/internal/transport"
)

// IPFS is a Gateway backed by the Kubo HTTP RPC API.
type IPFS struct {
	api  string
	http *transport.Client
}

// NewIPFS returns an IPFS client for the node API at apiURL, e.g.
// http://127.0.0.1:5001.
func NewIPFS(apiURL string, http *transport.Client) *IPFS {
	return &IPFS{api: strings.TrimRight(apiURL, "/"), http: http}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put adds and pins data, returning its CID.
func (c *IPFS) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "content")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.http.Fetch(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	var resp addResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("ipfs add: decode response: %w", err)
	}
	if resp.Hash == "" {
		return "", fmt.Errorf("ipfs add: response has no hash")
	}
	return resp.Hash, nil
}

func (c *IPFS) Get(ctx context.Context, id string) ([]byte, error) {
	u := c.api + "/api/v0/cat?arg=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	data, err := c.http.Fetch(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", id, err)
	}
	return data, nil
}
