package render

import (
	"encoding/json"
	"testing"
)

func TestRender(t *testing.T) {
	data := map[string]any{
		"orderId":     "A1",
		"userName":    "Ana",
		"totalAmount": float64(42),
		"price":       12.5,
		"paid":        true,
		"user":        map[string]any{"name": "Bob", "address": map[string]any{"city": "Lyon"}},
		"nothing":     nil,
		"resetLink":   "https://x/?a=1&b=2",
		"exact":       json.Number("42.50"),
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text", "no placeholders", "no placeholders"},
		{"single", "Order {{orderId}}", "Order A1"},
		{"repeated", "{{orderId}}/{{orderId}}", "A1/A1"},
		{"whitespace inside braces", "Hi {{ userName }}!", "Hi Ana!"},
		{"integral number", "Total: ${{totalAmount}}.", "Total: $42."},
		{"fractional number", "{{price}}", "12.5"},
		{"json number kept verbatim", "{{exact}}", "42.50"},
		{"bool", "{{paid}}", "true"},
		{"nested path", "{{user.name}} in {{user.address.city}}", "Bob in Lyon"},
		{"missing key", "Hi {{missing}}!", "Hi !"},
		{"missing nested", "{{user.phone.number}}", ""},
		{"null value", "[{{nothing}}]", "[]"},
		{"double stash escapes", "Click {{resetLink}}", "Click https://x/?a=1&amp;b=2"},
		{"triple stash is raw", "Click {{{resetLink}}}", "Click https://x/?a=1&b=2"},
		{"triple stash missing", "[{{{missing}}}]", "[]"},
		{"block helper", "{{#if paid}}paid{{else}}due{{/if}}", "paid"},
		{"empty template", "", ""},
		{"unparseable template returned as is", "Hi {{#if}}", "Hi {{#if}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, data); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_IsPure(t *testing.T) {
	data := map[string]any{"a": "x"}
	first := Render("{{a}}-{{b}}", data)
	second := Render("{{a}}-{{b}}", data)
	if first != second {
		t.Fatalf("render not deterministic: %q vs %q", first, second)
	}
	if first != "x-" {
		t.Fatalf("got %q, want %q", first, "x-")
	}
	if len(data) != 1 {
		t.Fatalf("render mutated input: %v", data)
	}
}

func TestCompile_ReusesParsedTemplate(t *testing.T) {
	a, err := Compile("Order {{orderId}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := Compile("Order {{orderId}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a != b {
		t.Error("expected the cached template to be reused")
	}

	if _, err := Compile("{{#each}}"); err == nil {
		t.Error("expected a parse error")
	}
}

func TestRender_DecodedJSON(t *testing.T) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(`{"invoiceId":"INV-9","amount":100}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := Render("Invoice {{invoiceId}} for ${{amount}} paid. Thanks!", payload)
	want := "Invoice INV-9 for $100 paid. Thanks!"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
