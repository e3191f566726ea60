package feed

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/goccy/go-json"
)

// MissingKeys reports the top-level keys of original that disappear when msg
// is encoded again, in sorted order. A non-empty result means the decoded
// types no longer cover everything GDAX sends.
func MissingKeys(original []byte, msg Message) ([]string, error) {
	keys, _, err := missingKeys(original, msg)
	return keys, err
}

func missingKeys(original []byte, msg Message) ([]string, map[string]json.RawMessage, error) {
	received, err := objectKeys(original)
	if err != nil {
		return nil, nil, fmt.Errorf("received payload: %w", err)
	}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		return nil, nil, err
	}
	reencoded, err := objectKeys(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encoded payload: %w", err)
	}

	var missing []string
	for k := range received {
		if _, ok := reencoded[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing, received, nil
}

func objectKeys(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return obj, nil
}

// warnDrift logs the raw payload once, then one warning per lost key.
func warnDrift(logger *slog.Logger, original []byte, msg Message) []string {
	missing, values, err := missingKeys(original, msg)
	if err != nil {
		logger.Warn("Drift check failed", "type", msg.MessageType(), "err", err)
		return nil
	}
	if len(missing) == 0 {
		return nil
	}

	logger.Warn("Decoded message missing keys", "type", msg.MessageType(), "raw", string(original))
	for _, k := range missing {
		logger.Warn("Missing key", "key", k, "value", string(values[k]))
	}
	return missing
}
