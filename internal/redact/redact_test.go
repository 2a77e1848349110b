package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "***@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "***REDACTED***", MaskEmail("not-an-email"))

	// Masking is idempotent.
	once := MaskEmail("alice@example.com")
	assert.Equal(t, once, MaskEmail(once))
}

func TestMaskTelephone(t *testing.T) {
	assert.Equal(t, "13****78", MaskTelephone("13812345678"))
	assert.Equal(t, "1****6", MaskTelephone("123456"))
	assert.Equal(t, "***REDACTED***", MaskTelephone("12"))

	once := MaskTelephone("13812345678")
	assert.Equal(t, once, MaskTelephone(once))
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://files.example.com/.../doc.pdf",
		MaskURL("https://files.example.com/uploads/2026/01/doc.pdf"))
	assert.Equal(t, "https://files.example.com/***", MaskURL("https://files.example.com"))
	assert.Equal(t, "***REDACTED***", MaskURL("::not a url::"))

	once := MaskURL("https://files.example.com/a/b/doc.pdf")
	assert.Equal(t, once, MaskURL(once))
}

func TestMapRedactsNestedStructures(t *testing.T) {
	in := map[string]any{
		"email":     "bob@corp.example",
		"telephone": "13812345678",
		"api_key":   "sk-secret",
		"order_url": "https://erp.example.com/orders/SO-123",
		"items": []any{
			map[string]any{"unit_price": 12.5, "name": "widget"},
		},
		"note": "plain text stays",
	}

	out := Map(in)

	assert.Equal(t, "b***@corp.example", out["email"])
	assert.Equal(t, "13****78", out["telephone"])
	assert.Equal(t, "***REDACTED***", out["api_key"])
	assert.Equal(t, "https://erp.example.com/.../SO-123", out["order_url"])
	item := out["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "***REDACTED***", item["unit_price"])
	assert.Equal(t, "widget", item["name"])
	assert.Equal(t, "plain text stays", out["note"])

	// Input untouched.
	assert.Equal(t, "bob@corp.example", in["email"])
}
