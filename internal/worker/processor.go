package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// SimulatedProcessor is the built-in processor used outside production
// deployments. The payload drives its behavior: "sleep_ms" delays the
// attempt, "error": true fails it with "error_message", anything else is
// echoed back as the result.
type SimulatedProcessor struct{}

type simulatedControls struct {
	SleepMS      int    `json:"sleep_ms"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// Process executes one simulated attempt.
func (SimulatedProcessor) Process(ctx domain.Context, payload json.RawMessage) (json.RawMessage, error) {
	var ctrl simulatedControls
	// non-object payloads carry no controls and are echoed
	_ = json.Unmarshal(payload, &ctrl)

	if ctrl.SleepMS > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(ctrl.SleepMS) * time.Millisecond):
		}
	}
	if ctrl.Error {
		msg := ctrl.ErrorMessage
		if msg == "" {
			msg = "simulated failure"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessorFailure, msg)
	}
	return payload, nil
}
