package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentModule(t *testing.T) {
	rules := ModuleRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"simple", "orders", false},
		{"dotted", "MyApp.Orders.Processor", false},
		{"with underscore", "order_server", false},
		{"numbers", "v2", false},
		{"control char", "a\x00b", true},
		{"slash", "a/b", true},
		{"space", "my module", true},
		{"bang", "save!", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdent(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdent(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentFunction(t *testing.T) {
	rules := FunctionRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "process", false},
		{"predicate", "valid?", false},
		{"bang", "save!", false},
		{"dotted", "a.b", true},
		{"control char", "f\tn", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdent(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdent(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCorrelationID(t *testing.T) {
	if err := ValidateCorrelationID(""); err != nil {
		t.Errorf("empty id should be valid: %v", err)
	}
	if err := ValidateCorrelationID("req-01HGW2-abc"); err != nil {
		t.Errorf("normal id rejected: %v", err)
	}
	if err := ValidateCorrelationID(strings.Repeat("x", 129)); err == nil {
		t.Error("oversized id should be rejected")
	}
	if err := ValidateCorrelationID("a\nb"); err == nil {
		t.Error("control characters should be rejected")
	}
}

func TestValidateMessageTag(t *testing.T) {
	if err := ValidateMessageTag("work_request"); err != nil {
		t.Errorf("normal tag rejected: %v", err)
	}
	if err := ValidateMessageTag(""); err == nil {
		t.Error("empty tag should be rejected")
	}
	if err := ValidateMessageTag(strings.Repeat("t", 256)); err == nil {
		t.Error("oversized tag should be rejected")
	}
}
