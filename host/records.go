package host

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/tuoris/capture"
	"github.com/hazyhaar/tuoris/wire"
)

// shimRecord is one change posted by the page shim through the binding.
type shimRecord struct {
	Op      string             `json:"op"`
	Target  capture.HostKey    `json:"target"`
	Added   []capture.HostNode `json:"added"`
	Removed []capture.HostKey  `json:"removed"`
	Prev    capture.HostKey    `json:"prev"`
	Next    capture.HostKey    `json:"next"`
	Name    string             `json:"name"`
	Value   *string            `json:"value"`
	Text    string             `json:"text"`
	Sheets  [][]string         `json:"sheets"`
}

// decodeRecords turns one binding payload into observations. Records with
// an unknown op are logged and skipped.
func decodeRecords(payload string, logger *slog.Logger) ([]capture.Observation, error) {
	var recs []shimRecord
	if err := json.Unmarshal([]byte(payload), &recs); err != nil {
		return nil, fmt.Errorf("host: decode binding payload: %w", err)
	}

	out := make([]capture.Observation, 0, len(recs))
	for _, r := range recs {
		switch r.Op {
		case "childList":
			out = append(out, capture.ChildList{
				Target:  r.Target,
				Added:   r.Added,
				Removed: r.Removed,
				Prev:    r.Prev,
				Next:    r.Next,
			})
		case "attributes":
			out = append(out, capture.AttributeChange{Target: r.Target, Name: r.Name, Value: r.Value})
		case "characterData":
			out = append(out, capture.TextChange{Target: r.Target, Text: r.Text})
		case "styleSheets":
			out = append(out, capture.StyleSheets{Sheets: r.Sheets})
		default:
			logger.Warn("host: unknown shim record", "op", r.Op)
		}
	}
	return out, nil
}

// decodeMeasurements reads the measure script result: one [l,t,r,b]
// page-space rectangle or null per requested key.
func decodeMeasurements(s string, n int) ([]capture.Measurement, error) {
	var raw [][]float64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("host: decode measurements: %w", err)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("host: measured %d of %d nodes", len(raw), n)
	}

	out := make([]capture.Measurement, n)
	for i, r := range raw {
		if len(r) != 4 {
			continue
		}
		out[i] = capture.Measurement{
			Box:      wire.Box{Left: r[0], Top: r[1], Right: r[2], Bottom: r[3]},
			Measured: true,
		}
	}
	return out, nil
}

// decodeTransform reads the transform script result: the inverse screen
// matrix of the canvas root [a,b,c,d,e,f] followed by the page scroll
// offset [x,y]. The returned matrix maps page coordinates to canvas
// coordinates.
func decodeTransform(s string) (capture.Matrix, error) {
	var raw []float64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return capture.Matrix{}, fmt.Errorf("host: decode transform: %w", err)
	}
	if raw == nil {
		return capture.Identity, nil
	}
	if len(raw) != 8 {
		return capture.Matrix{}, fmt.Errorf("host: decode transform: %d values", len(raw))
	}

	inv := capture.Matrix{A: raw[0], B: raw[1], C: raw[2], D: raw[3], E: raw[4], F: raw[5]}
	sx, sy := raw[6], raw[7]
	// Page point p maps to screen point p - scroll before the inverse CTM.
	inv.E = inv.E - inv.A*sx - inv.C*sy
	inv.F = inv.F - inv.B*sx - inv.D*sy
	return inv, nil
}
