package prefilter

import "testing"

func TestCheck_KeywordBeforeRegex(t *testing.T) {
	pf := New([]string{"spam"}, []string{"sp.m"})

	tag, matched := pf.Check("this is SPAM content")
	if !matched {
		t.Fatalf("expected match")
	}
	if tag != "keyword:spam" {
		t.Fatalf("expected keyword to win over regex, got %q", tag)
	}
}

func TestCheck_CaseInsensitiveKeyword(t *testing.T) {
	pf := New([]string{"Crypto"}, nil)

	if tag, matched := pf.Check("check out this CRYPTOcurrency deal"); !matched || tag != "keyword:crypto" {
		t.Fatalf("expected keyword match, got %q matched=%v", tag, matched)
	}
}

func TestCheck_RegexFallback(t *testing.T) {
	pf := New(nil, []string{`\bfree money\b`})

	tag, matched := pf.Check("win FREE MONEY now")
	if !matched {
		t.Fatalf("expected regex match")
	}
	if tag != `regex:\bfree money\b` {
		t.Fatalf("unexpected tag %q", tag)
	}
}

func TestCheck_Clean(t *testing.T) {
	pf := New([]string{"spam"}, []string{"free.money"})

	if _, matched := pf.Check("hello, how are you today?"); matched {
		t.Fatalf("expected no match on clean text")
	}
}

func TestNew_InvalidRegexSkipped(t *testing.T) {
	pf := New(nil, []string{"("})

	if len(pf.regexes) != 0 {
		t.Fatalf("expected invalid regex to be skipped, got %d compiled", len(pf.regexes))
	}
}

func TestNew_EmptyKeywordsTrimmed(t *testing.T) {
	pf := New([]string{"  ", "", "ok"}, nil)

	if len(pf.keywords) != 1 || pf.keywords[0] != "ok" {
		t.Fatalf("expected only trimmed non-empty keyword to survive, got %v", pf.keywords)
	}
}
