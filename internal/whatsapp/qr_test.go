package whatsapp

import (
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	var b strings.Builder
	if err := RenderQR(&b, "2@AbCdEf,secretref,keydata"); err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	out := b.String()
	if out == "" {
		t.Fatal("no output")
	}
	if !strings.Contains(out, "█") {
		t.Error("output does not look like a block-character QR render")
	}
}

func TestRenderQREmptyCode(t *testing.T) {
	var b strings.Builder
	if err := RenderQR(&b, ""); err == nil {
		t.Error("expected an error for an empty code")
	}
}
