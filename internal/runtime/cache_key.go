package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codex-k8s/quota-mcp-server/internal/constants"
)

// buildCacheKey derives the idempotency key of a mutating tool call. An empty key
// disables caching for the call.
func buildCacheKey(toolName, correlationID string, providedID bool, input any, strategy string) (string, error) {
	keyStrategy := strings.ToLower(strings.TrimSpace(strategy))
	if keyStrategy == "" {
		keyStrategy = constants.CacheKeyStrategyAuto
	}

	var key string
	switch keyStrategy {
	case constants.CacheKeyStrategyCorrelationID:
		if providedID {
			key = correlationID
		}
	case constants.CacheKeyStrategyArgumentsHash:
		hash, err := hashArguments(input)
		if err != nil {
			return "", err
		}
		key = hash
	case constants.CacheKeyStrategyAuto:
		if providedID && correlationID != "" {
			key = correlationID
		} else {
			hash, err := hashArguments(input)
			if err != nil {
				return "", err
			}
			key = hash
		}
	default:
		return "", fmt.Errorf("unsupported cache key strategy: %s", strategy)
	}
	if strings.TrimSpace(key) == "" {
		return "", nil
	}
	return fmt.Sprintf("%s:%s", toolName, key), nil
}

// hashArguments hashes input without its correlation and secret fields. Map keys are
// marshalled in sorted order, so equal arguments hash equally.
func hashArguments(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	delete(fields, "correlation_id")
	delete(fields, "admin_key")
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
