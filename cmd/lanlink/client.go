package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIBase = "http://127.0.0.1:9716"

// apiClient talks to the control-plane API of a running engine.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func clientFromFlags(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("LANLINK_API_TOKEN")
	}
	return &apiClient{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach engine at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// API response views. Field names follow the gateway's JSON contract.
type deviceView struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	Connected  bool   `json:"connected"`
	Visible    bool   `json:"visible"`
}

type peerView struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	Host       string `json:"host"`
	TCPPort    int    `json:"tcpPort"`
	Paired     bool   `json:"paired"`
	Connected  bool   `json:"connected"`
}

type attemptView struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	Fingerprint string `json:"fingerprint"`
	Direction   string `json:"direction"`
}
