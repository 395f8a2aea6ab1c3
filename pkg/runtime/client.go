// Package runtime is the HTTP client for the model-runtime service the
// watchdog supervises. Model files live with the runtime, not with this
// daemon; list, pull and delete all proxy through it.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/errors"
)

// Model is one entry in the runtime's local model library.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

type listResponse struct {
	Models []Model `json:"models"`
}

// Client talks to the runtime's API. Pulls stream for as long as the
// download runs, so the client carries no overall request timeout.
type Client struct {
	host   string
	client *http.Client
}

func NewClient(host string) *Client {
	if host == "" {
		host = defaults.RuntimeHost
	}

	return &Client{host: host, client: &http.Client{}}
}

// ListModels returns the runtime's local model library.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaults.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("building model list request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime at %s is not responding: %w", c.host, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime returned status %d", resp.StatusCode))
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	return list.Models, nil
}

// Pull starts a model download and returns the runtime's progress stream,
// NDJSON lines until the pull completes. The caller owns the body.
func (c *Client) Pull(ctx context.Context, name string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]interface{}{"name": name, "stream": true})
	if err != nil {
		return nil, fmt.Errorf("encoding pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime at %s is not responding: %w", c.host, err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime rejected pull of %s with status %d", name, resp.StatusCode))
	}

	return resp.Body, nil
}

// DeleteModel removes a model from the runtime's library.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("encoding delete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.host+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime at %s is not responding: %w", c.host, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.WithKind(errors.KindUnavailable,
			fmt.Errorf("model runtime rejected delete of %s with status %d", name, resp.StatusCode))
	}

	return nil
}
