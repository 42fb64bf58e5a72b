package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"sparing.org/internal/ids"
)

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) post(ctx context.Context, path string, body any, headers map[string]string, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s: %d %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	c := &client{
		base: env("SPARING_API_URL", "http://localhost:8080"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	site := env("SPARING_SMOKE_SITE", "SITE-001")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if _, err := c.post(ctx, "/auth/login", map[string]string{
		"email":    env("SPARING_SMOKE_EMAIL", "operator@sparing.local"),
		"password": env("SPARING_SMOKE_PASSWORD", "sparing-dev"),
	}, nil, &tokens); err != nil {
		log.Fatalf("login: %v", err)
	}
	c.token = tokens.AccessToken

	type ingestResult struct {
		ID       string `json:"id"`
		Replayed bool   `json:"replayed"`
	}
	key := "smoke-" + ids.New()
	reading := map[string]any{"site_uid": site, "ph": 7.1, "temp": 24.5, "ts": time.Now().UTC().Format(time.RFC3339)}

	var first, second ingestResult
	code, err := c.post(ctx, "/ingest/state", reading, map[string]string{"Idempotency-Key": key}, &first)
	if err != nil || code != http.StatusCreated {
		log.Fatalf("first ingest: status %d: %v", code, err)
	}
	code, err = c.post(ctx, "/ingest/state", reading, map[string]string{"Idempotency-Key": key}, &second)
	if err != nil || code != http.StatusOK {
		log.Fatalf("replayed ingest: status %d: %v", code, err)
	}
	if second.ID != first.ID || !second.Replayed {
		log.Fatalf("idempotency broken: first=%s second=%s replayed=%v", first.ID, second.ID, second.Replayed)
	}

	var bulk struct {
		Results []struct {
			OK    bool   `json:"ok"`
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"results"`
	}
	if _, err := c.post(ctx, "/ingest/bulk", map[string]any{"bulk": []map[string]any{
		{"site_uid": site, "ph": 6.8},
		{"site_uid": site, "ph": 15},
		{"site_uid": site, "rh": 55},
	}}, nil, &bulk); err != nil {
		log.Fatalf("bulk ingest: %v", err)
	}
	if len(bulk.Results) != 3 {
		log.Fatalf("bulk: expected 3 results, got %d", len(bulk.Results))
	}
	if !bulk.Results[0].OK || bulk.Results[1].OK || !bulk.Results[2].OK {
		log.Fatalf("bulk: unexpected outcomes %+v", bulk.Results)
	}

	fmt.Printf("ingest smoke test passed: reading=%s bulk_rejected=%q\n", first.ID, bulk.Results[1].Error)
}
