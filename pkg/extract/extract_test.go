package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestTextPlainFormats(t *testing.T) {
	body := "14.2 Advance Payment\nThe Advance Payment shall be 10%."

	for _, name := range []string{"contract.txt", "contract.md", "CONTRACT.TXT"} {
		got, err := Text(name, []byte(body))
		if err != nil {
			t.Fatalf("Text(%s) failed: %v", name, err)
		}
		if got != body {
			t.Errorf("Text(%s) = %q", name, got)
		}
	}
}

func TestTextUnsupportedFormat(t *testing.T) {
	_, err := Text("contract.odt", []byte("x"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSupported(t *testing.T) {
	for _, name := range []string{"a.txt", "a.md", "a.docx", "a.pdf", "a.xlsx", "A.DOCX"} {
		if !Supported(name) {
			t.Errorf("Supported(%s) = false", name)
		}
	}
	for _, name := range []string{"a.odt", "a", "a.doc"} {
		if Supported(name) {
			t.Errorf("Supported(%s) = true", name)
		}
	}
}

func TestDocxMarkupStripping(t *testing.T) {
	xml := `<w:p><w:r><w:t>14.2 Advance Payment</w:t></w:r></w:p><w:p><w:r><w:t>The Advance Payment shall be 10%.</w:t></w:r></w:p>`
	content := docxParagraphEnd.ReplaceAllString(xml, "\n")
	content = docxTag.ReplaceAllString(content, "")

	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d: %q", len(lines), content)
	}
	if lines[0] != "14.2 Advance Payment" {
		t.Errorf("first paragraph = %q", lines[0])
	}
}

func TestCorruptBinaryInputsFail(t *testing.T) {
	junk := []byte("not a real container")
	for _, name := range []string{"a.docx", "a.pdf", "a.xlsx"} {
		if _, err := Text(name, junk); err == nil {
			t.Errorf("Text(%s) on junk bytes should fail", name)
		}
	}
}
