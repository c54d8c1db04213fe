// Package ipfs wraps the local ipfs daemon's CLI for add/get and an
// ipfs-cluster REST endpoint for replication pins. It satisfies the block
// store's ContentPinner contract.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Client shells out to the `ipfs` binary for content operations and POSTs
// to the cluster pin endpoint. The zero value is not usable; construct
// with NewClient.
type Client struct {
	binary        string
	clusterPinURL string
	timeout       time.Duration
	httpClient    *http.Client
	logger        *slog.Logger

	// runCmd is swapped in tests.
	runCmd func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

// Option adjusts a Client at construction.
type Option func(*Client)

// WithBinary overrides the ipfs binary path.
func WithBinary(path string) Option {
	return func(c *Client) { c.binary = path }
}

// WithTimeout bounds each CLI or HTTP call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(clusterPinURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		binary:        "ipfs",
		clusterPinURL: clusterPinURL,
		timeout:       30 * time.Second,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Timeout = c.timeout
	if c.runCmd == nil {
		c.runCmd = c.execIPFS
	}
	return c
}

func (c *Client) execIPFS(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("ipfs %s: %w", args[0], err)
		}
		return nil, fmt.Errorf("ipfs %s: %w (%s)", args[0], err, msg)
	}
	return out, nil
}

// Add stores data in the local ipfs node and returns its content handle.
func (c *Client) Add(data []byte) (string, error) {
	out, err := c.runCmd(context.Background(), data, "add", "-Q", "--stdin-name", "rollup_block.json")
	if err != nil {
		return "", err
	}
	handle := strings.TrimSpace(string(out))
	if handle == "" {
		return "", errors.New("ipfs add returned empty handle")
	}
	return handle, nil
}

// Fetch retrieves the raw content behind a handle.
func (c *Client) Fetch(handle string) ([]byte, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, errors.New("empty content handle")
	}
	return c.runCmd(context.Background(), nil, "cat", handle)
}

// Pin requests cluster-wide replication for a handle. It reports whether
// the cluster accepted the pin; a missing cluster URL degrades to a local
// `ipfs pin add`.
func (c *Client) Pin(handle string) (bool, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return false, errors.New("empty content handle")
	}
	if c.clusterPinURL == "" {
		if _, err := c.runCmd(context.Background(), nil, "pin", "add", handle); err != nil {
			return false, err
		}
		return true, nil
	}
	return c.clusterPin(handle)
}

func (c *Client) clusterPin(handle string) (bool, error) {
	payload, err := json.Marshal(map[string]string{"cid": handle})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequest(http.MethodPost, c.clusterPinURL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("cluster pin: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return true, nil
	default:
		c.logger.Warn("cluster pin rejected", "handle", handle,
			"status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
		return false, fmt.Errorf("cluster pin: unexpected status %d", resp.StatusCode)
	}
}
