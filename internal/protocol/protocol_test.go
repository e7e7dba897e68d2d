package protocol

import (
	"errors"
	"strings"
	"testing"

	"annad/internal/probe"
)

func TestDecodeJuniorProbe(t *testing.T) {
	raw := `{"action":"probe","probes":[{"id":"mem.info"},{"id":"service.status","params":{"unit":"nginx"}}]}`
	resp, err := DecodeJunior(raw)
	if err != nil {
		t.Fatalf("DecodeJunior: %v", err)
	}
	if resp.Action != ActionProbe || len(resp.Probes) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Probes[1].Params["unit"] != "nginx" {
		t.Fatalf("params = %v", resp.Probes[1].Params)
	}
}

func TestDecodeJuniorAnswerWithFence(t *testing.T) {
	raw := "```json\n{\"action\":\"answer\",\"answer\":\"RAM is 15921 MB\",\"score\":0.92}\n```"
	resp, err := DecodeJunior(raw)
	if err != nil {
		t.Fatalf("DecodeJunior: %v", err)
	}
	if resp.Action != ActionAnswer || resp.Score != 0.92 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDecodeJuniorRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "the answer is 42"},
		{"unknown action", `{"action":"ponder"}`},
		{"probe without list", `{"action":"probe","probes":[]}`},
		{"probe without id", `{"action":"probe","probes":[{"params":{}}]}`},
		{"answer empty", `{"action":"answer","answer":"  ","score":0.5}`},
		{"score out of range", `{"action":"answer","answer":"x","score":1.5}`},
		{"refuse without reason", `{"action":"refuse"}`},
		{"unknown field", `{"action":"refuse","reason":"r","mood":"tired"}`},
		{"trailing garbage", `{"action":"refuse","reason":"r"} and then some`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeJunior(tc.raw)
			if !errors.Is(err, ErrProtocolParse) {
				t.Fatalf("err = %v, want ErrProtocolParse", err)
			}
		})
	}
}

func TestDecodeSenior(t *testing.T) {
	resp, err := DecodeSenior(`{"verdict":"fix_and_accept","fixed_answer":"better text","scores":{"overall":88}}`)
	if err != nil {
		t.Fatalf("DecodeSenior: %v", err)
	}
	if resp.Verdict != VerdictFix || resp.Scores.Overall != 88 {
		t.Fatalf("resp = %+v", resp)
	}

	if _, err := DecodeSenior(`{"verdict":"fix_and_accept","scores":{"overall":88}}`); !errors.Is(err, ErrProtocolParse) {
		t.Fatalf("fix without text: err = %v", err)
	}
	if _, err := DecodeSenior(`{"verdict":"approve","scores":{"overall":130}}`); !errors.Is(err, ErrProtocolParse) {
		t.Fatalf("overall out of range: err = %v", err)
	}
	if _, err := DecodeSenior(`{"verdict":"shrug","scores":{"overall":50}}`); !errors.Is(err, ErrProtocolParse) {
		t.Fatalf("unknown verdict: err = %v", err)
	}
}

func TestSummarizeHonorsBudget(t *testing.T) {
	var evidence []probe.Evidence
	for i := 0; i < 50; i++ {
		evidence = append(evidence, probe.Evidence{
			ID:      i,
			ProbeID: "disk.usage",
			Topic:   probe.TopicDisk,
			Success: true,
			Data:    map[string]string{"root_used_pct": "66", "fullest_mount": "/data"},
			Raw:     strings.Repeat("x", 500), // must never be shipped
		})
	}

	out := Summarize(evidence, 1024)
	if len(out) == 0 || len(out) == 50 {
		t.Fatalf("summaries = %d, want truncated but non-empty", len(out))
	}
	// Newest evidence survives truncation.
	if out[len(out)-1].ID != 49 {
		t.Fatalf("last summary id = %d, want 49", out[len(out)-1].ID)
	}
	// Chronological order preserved.
	for i := 1; i < len(out); i++ {
		if out[i].ID < out[i-1].ID {
			t.Fatalf("summaries out of order: %d before %d", out[i-1].ID, out[i].ID)
		}
	}
}

func TestSummarizeAlwaysKeepsOne(t *testing.T) {
	evidence := []probe.Evidence{{ID: 1, ProbeID: "mem.info", Success: true,
		Data: map[string]string{"total_mb": "15921"}}}
	out := Summarize(evidence, 10) // budget smaller than one record
	if len(out) != 1 {
		t.Fatalf("summaries = %d, want 1", len(out))
	}
}

type fakeCatalog map[string]bool

func (f fakeCatalog) Has(id string) bool { return f[id] }

func TestValidateProbeCalls(t *testing.T) {
	cat := fakeCatalog{"mem.info": true}
	if err := ValidateProbeCalls([]ProbeCall{{ID: "mem.info"}}, cat); err != nil {
		t.Fatalf("valid call rejected: %v", err)
	}
	err := ValidateProbeCalls([]ProbeCall{{ID: "mem.info"}, {ID: "ghost.probe"}}, cat)
	if !errors.Is(err, ErrProtocolParse) {
		t.Fatalf("err = %v, want ErrProtocolParse", err)
	}
}
