package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func DefaultDeadlineContext() (context.Context, func()) {
	return context.WithDeadline(context.Background(), time.Now().Add(configData.Timeout))
}

// Fetches path from the status service.
func fetchStatus(ctx context.Context, path string) ([]byte, error) {
	uri := strings.TrimSuffix(configData.StatusUri, "/") + path

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", uri, response.Status)
	}

	return io.ReadAll(response.Body)
}

func fetchJson(ctx context.Context, path string, value any) error {
	data, err := fetchStatus(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}
