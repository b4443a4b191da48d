package task

import (
	"strings"
	"testing"
)

func TestParseHandoff(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantErr     bool
		errContains string
	}{
		{
			name:    "all fields present",
			payload: `{"produced":["api.go"],"key_context":["naming=snake_case"],"areas_of_uncertainty":[],"open_questions":[]}`,
		},
		{
			name:    "fields present but empty",
			payload: `{"produced":[],"key_context":[],"areas_of_uncertainty":[],"open_questions":[]}`,
		},
		{
			name:        "missing open_questions",
			payload:     `{"produced":[],"key_context":[],"areas_of_uncertainty":[]}`,
			wantErr:     true,
			errContains: "open_questions",
		},
		{
			name:        "missing produced",
			payload:     `{"key_context":[],"areas_of_uncertainty":[],"open_questions":[]}`,
			wantErr:     true,
			errContains: "produced",
		},
		{
			name:        "not json",
			payload:     `done, everything went fine`,
			wantErr:     true,
			errContains: "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHandoff([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("error %q does not mention %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHandoff: %v", err)
			}
			if h == nil {
				t.Fatal("nil handoff without error")
			}
		})
	}
}

func TestParseHandoffStripsNone(t *testing.T) {
	payload := `{"produced":["None"],"key_context":["none",""],"areas_of_uncertainty":["real concern"],"open_questions":[]}`
	h, err := ParseHandoff([]byte(payload))
	if err != nil {
		t.Fatalf("ParseHandoff: %v", err)
	}
	if len(h.Produced) != 0 {
		t.Errorf("Produced = %v, want placeholders stripped", h.Produced)
	}
	if len(h.KeyContext) != 0 {
		t.Errorf("KeyContext = %v, want placeholders stripped", h.KeyContext)
	}
	if len(h.AreasOfUncertainty) != 1 {
		t.Errorf("AreasOfUncertainty = %v, want the real entry kept", h.AreasOfUncertainty)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	h := &Handoff{Produced: []string{"schema.sql"}}
	data, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Encode must emit every required field even when unset.
	parsed, err := ParseHandoff(data)
	if err != nil {
		t.Fatalf("ParseHandoff(Encode()): %v", err)
	}
	if len(parsed.Produced) != 1 || parsed.Produced[0] != "schema.sql" {
		t.Fatalf("round trip lost produced: %v", parsed.Produced)
	}
}
