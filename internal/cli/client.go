package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// gatewayClient is a thin HTTP client for CLI commands that talk to a
// running gateway.
type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newGatewayClient builds a client from the --server and --token flags,
// falling back to SWITCHBOARD_SERVER and SWITCHBOARD_AUTH_TOKEN.
func newGatewayClient(cmd *cobra.Command) (*gatewayClient, error) {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv("SWITCHBOARD_SERVER")
	}
	if server == "" {
		server = "http://localhost:8420"
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("SWITCHBOARD_AUTH_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set SWITCHBOARD_AUTH_TOKEN")
	}
	return &gatewayClient{
		baseURL: strings.TrimRight(server, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one request and decodes the JSON response into out (unless nil).
func (c *gatewayClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// addClientFlags registers the flags shared by gateway-talking commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "gateway base URL (default http://localhost:8420)")
	cmd.Flags().String("token", "", "API token (default $SWITCHBOARD_AUTH_TOKEN)")
}
