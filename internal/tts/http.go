package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxAudioBytes bounds a single synthesis response.
const maxAudioBytes = 32 << 20

func newHTTPClient(timeoutMs int) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	return &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
}

// postAudio POSTs a JSON body and returns the raw audio response.
func postAudio(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s tts request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("create %s tts request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s tts request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s tts error %d: %s", provider, resp.StatusCode, bytes.TrimSpace(errBody))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s tts response: %w", provider, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%s tts returned empty audio", provider)
	}
	return audio, nil
}
