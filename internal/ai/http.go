package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

// PostJSON sends in as a JSON body and decodes a 2xx response into out.
// Every failure comes back as a *ProviderError tagged with provider.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ProviderError{Kind: KindInternal, Provider: provider, Message: "encoding request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Kind: KindInternal, Provider: provider, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &ProviderError{Kind: KindNetwork, Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ProviderError{Kind: KindNetwork, Provider: provider, StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FromStatus(provider, resp.StatusCode, resp.Header, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{
			Kind:       KindMalformedResponse,
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("decoding response: %s", snippet(data)),
			Err:        err,
		}
	}
	return nil
}
