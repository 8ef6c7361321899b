package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"psss-processing-go/internal/server"
	"psss-processing-go/internal/types"
)

// Client talks to the control surface of a running service.
type Client struct {
	base string
	http *http.Client
}

func New(address string) *Client {
	return &Client{
		base: strings.TrimRight(address, "/") + server.APIPrefix,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// ServerError is a response with state "error".
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Message)
}

type envelope struct {
	State      string          `json:"state"`
	Status     string          `json:"status"`
	LastError  string          `json:"last_error"`
	ROI        []int           `json:"roi"`
	Parameters json.RawMessage `json:"parameters"`
	Statistics map[string]any  `json:"statistics"`
}

func (c *Client) Start(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/start", nil)
	return env.Status, err
}

func (c *Client) Stop(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/stop", nil)
	return env.Status, err
}

// Status returns the processing status and the error that ended the last
// run, if any.
func (c *Client) Status(ctx context.Context) (string, string, error) {
	env, err := c.do(ctx, http.MethodGet, "/status", nil)
	return env.Status, env.LastError, err
}

func (c *Client) Statistics(ctx context.Context) (map[string]any, error) {
	env, err := c.do(ctx, http.MethodGet, "/statistics", nil)
	return env.Statistics, err
}

func (c *Client) ROI(ctx context.Context) ([]int, error) {
	env, err := c.do(ctx, http.MethodGet, "/roi", nil)
	return env.ROI, err
}

// SetROI sends [offset_x, size_x, offset_y, size_y]; nil or empty clears it.
func (c *Client) SetROI(ctx context.Context, roi []int) ([]int, error) {
	var body any = roi
	if roi == nil {
		body = []int{}
	}
	env, err := c.do(ctx, http.MethodPost, "/roi", body)
	return env.ROI, err
}

func (c *Client) Parameters(ctx context.Context) (types.Parameters, error) {
	env, err := c.do(ctx, http.MethodGet, "/parameters", nil)
	if err != nil {
		return types.Parameters{}, err
	}
	return decodeParameters(env.Parameters)
}

func (c *Client) SetParameters(ctx context.Context, update types.ParameterUpdate) (types.Parameters, error) {
	env, err := c.do(ctx, http.MethodPost, "/parameters", update)
	if err != nil {
		return types.Parameters{}, err
	}
	return decodeParameters(env.Parameters)
}

// SetBackground uploads a background image; nil rows clear it.
func (c *Client) SetBackground(ctx context.Context, name string, rows [][]uint32) error {
	_, err := c.do(ctx, http.MethodPost, "/background", map[string]any{"filename": name, "data": rows})
	return err
}

// Image fetches the PNG preview of the last processed frame.
func (c *Client) Image(ctx context.Context, query string) ([]byte, error) {
	url := c.base + "/image"
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.Unmarshal(data, &env)
		return nil, &ServerError{Code: resp.StatusCode, Message: env.Status}
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (envelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return envelope{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if env.State != "ok" {
		return env, &ServerError{Code: resp.StatusCode, Message: env.Status}
	}
	return env, nil
}

func decodeParameters(raw json.RawMessage) (types.Parameters, error) {
	var p types.Parameters
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}
