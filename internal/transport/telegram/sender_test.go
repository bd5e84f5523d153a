package telegram

import (
	"errors"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"feedrelay/internal/dispatch"
	logx "feedrelay/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		limit  int
		want   []string
	}{
		{"short passes through", "hello", 10, []string{"hello"}},
		{"exact limit", "abcde", 5, []string{"abcde"}},
		{"hard split without newlines", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"prefers newline boundary", "aaaa\nbbbb\ncc", 10, []string{"aaaa\nbbbb", "cc"}},
		{"newline too early is ignored", "a\nbbbbbbbb", 9, []string{"a\nbbbbbbb", "b"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, "")
			if len(got) != len(tt.want) {
				t.Fatalf("splitText = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitTextHTMLTagGuard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{"cut moved before dangling tag", "aaaaaa<b>x</b>", 8, "HTML", []string{"aaaaaa", "<b>x</b>"}},
		{"parse mode is case-insensitive", "aaaaaa<b>x</b>", 8, "html", []string{"aaaaaa", "<b>x</b>"}},
		{"plain text cuts mid-tag", "aaaaaa<b>x</b>", 8, "", []string{"aaaaaa<b", ">x</b>"}},
		{"closed tag in window is untouched", "aaaa<b>bbbbbb", 8, "HTML", []string{"aaaa<b>b", "bbbbb"}},
		{"tag at window start keeps the hard cut", "a<bbbbbbbb", 5, "HTML", []string{"a<bbb", "bbbbb"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, tt.parseMode)
			if len(got) != len(tt.want) {
				t.Fatalf("splitText = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitTextRuneSafe(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("проверка ", 200) // multi-byte runes
	for _, chunk := range splitText(in, 100, "") {
		if n := len([]rune(chunk)); n > 100 {
			t.Fatalf("chunk holds %d runes, want <= 100", n)
		}
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk tore a rune apart: %q", chunk)
		}
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	t.Parallel()

	netErr := &net.DNSError{Err: "no such host", Name: "api.telegram.org", IsTemporary: true}
	if got := classify(netErr); !dispatch.IsTransient(got) {
		t.Fatalf("classify(net error) = %v, want transient", got)
	}

	plain := errors.New("boom")
	if got := classify(plain); got != plain {
		t.Fatalf("classify(plain) = %v, want passthrough", got)
	}
	if got := classify(nil); got != nil {
		t.Fatalf("classify(nil) = %v", got)
	}
}

func TestNewSenderRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewSender("  ", logx.Nop()); err == nil {
		t.Fatal("NewSender accepted a blank token")
	}
}
