package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Admin-API-Key", c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func main() {
	var (
		baseURL = envOr("RACKWATCH_ADMIN_URL", "http://localhost:5240")
		apiKey  = envOr("RACKWATCH_ADMIN_KEY", "")
		out     = envOr("RACKWATCH_OUT", "text")
		timeout = 30 * time.Second
	)

	root := &cobra.Command{
		Use:   "rackwatch",
		Short: "CLI admin de regiond (vía /v1/admin)",
	}

	root.PersistentFlags().StringVar(&baseURL, "admin-api-url", baseURL, "URL base del Admin API (env RACKWATCH_ADMIN_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-api-key", apiKey, "API key del Admin API (env RACKWATCH_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	httpClient := &http.Client{Timeout: timeout}
	cl := &client{BaseURL: baseURL, APIKey: apiKey, OutFormat: out, HTTP: httpClient}

	requireKey := func(cmd *cobra.Command, args []string) error {
		if apiKey == "" {
			return fmt.Errorf("falta API key (flag --admin-api-key o env RACKWATCH_ADMIN_KEY)")
		}
		return nil
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Consultar /readyz del daemon (no requiere API key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/readyz")
			if err != nil {
				return err
			}
			cl.print(status, body)
			if status/100 != 2 {
				return fmt.Errorf("regiond no está ready (status=%d)", status)
			}
			return nil
		},
	}

	poolCmd := &cobra.Command{
		Use:     "pool",
		Short:   "Estado del pool de conexiones a racks",
		PreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/admin/pool")
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("pool fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}

	racksCmd := &cobra.Command{
		Use:     "racks",
		Short:   "Racks observados, pendientes y último resultado de push",
		PreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/admin/racks")
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("racks fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}

	root.AddCommand(healthCmd, poolCmd, racksCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
