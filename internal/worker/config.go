package worker

import (
	"fmt"
	"net/http"
	"strings"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// FromConfig builds the registry described by the workers section.
func FromConfig(workers map[string]config.WorkerConfig) (Registry, error) {
	reg := make(Registry, len(workers))
	for capability, wc := range workers {
		switch wc.Type {
		case "echo":
			reg[capability] = Echo{}
		case "script":
			reg[capability] = Script{Run: wc.Run, Output: wc.Output}
		case "webhook":
			w := Webhook{URL: wc.URL, Headers: wc.Headers}
			if wc.Timeout > 0 {
				w.Client = &http.Client{Timeout: wc.Timeout}
			}
			reg[capability] = w
		default:
			return nil, fmt.Errorf("worker %s: unknown type %q", capability, wc.Type)
		}
	}
	return reg, nil
}

func verdictOf(s string) domain.Verdict {
	if strings.EqualFold(strings.TrimSpace(s), string(domain.VerdictFail)) {
		return domain.VerdictFail
	}
	return domain.VerdictPass
}
