package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type quotaAPIResponse struct {
	Models map[string]struct {
		QuotaInfo *struct {
			RemainingFraction *float64 `json:"remainingFraction"`
			ResetTime         string   `json:"resetTime"`
		} `json:"quotaInfo"`
	} `json:"models"`
}

// ErrForbidden is returned when the quota endpoint rejects the account
// outright (403); the warm-up scheduler treats this as "skip, don't retry".
var ErrForbidden = fmt.Errorf("account forbidden by quota endpoint")

// FetchQuota calls v1internal:fetchAvailableModels (§4.10 warm-up scheduler,
// §6 upstream endpoint) and returns the raw percentage/reset-time per model.
// projectID may be empty; the endpoint tolerates an omitted "project" field.
func FetchQuota(ctx context.Context, client *http.Client, quotaURL, accessToken, projectID string) (*QuotaSnapshot, error) {
	payload := map[string]any{}
	if projectID != "" {
		payload["project"] = projectID
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := doJSONPost(ctx, client, quotaURL, accessToken, body)
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, ErrForbidden
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("fetchAvailableModels returned %d: %s", resp.StatusCode, truncate(data, 200))
			time.Sleep(time.Second)
			continue
		}

		var out quotaAPIResponse
		decErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if decErr != nil {
			lastErr = fmt.Errorf("decode fetchAvailableModels response: %w", decErr)
			continue
		}

		snap := &QuotaSnapshot{FetchedAt: time.Now().UTC(), Models: map[string]ModelQuota{}}
		for name, info := range out.Models {
			if info.QuotaInfo == nil {
				continue
			}
			pct := 0.0
			if info.QuotaInfo.RemainingFraction != nil {
				pct = *info.QuotaInfo.RemainingFraction * 100
			}
			var resetAt *int64
			if t, err := time.Parse(time.RFC3339, info.QuotaInfo.ResetTime); err == nil {
				ms := t.UnixMilli()
				resetAt = &ms
			}
			snap.Models[name] = ModelQuota{PercentRemaining: pct, ResetAt: resetAt}
		}
		return snap, nil
	}
	return nil, lastErr
}
