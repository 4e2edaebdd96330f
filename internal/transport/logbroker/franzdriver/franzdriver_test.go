package franzdriver

import "testing"

func TestParseJAASPlain(t *testing.T) {
	t.Parallel()
	jaas := `org.apache.kafka.common.security.plain.PlainLoginModule required username="alice" password="s3cr3t";`
	user, pass := parseJAASPlain(jaas)
	if user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}
	if pass != "s3cr3t" {
		t.Errorf("pass = %q, want s3cr3t", pass)
	}
}

func TestParseJAASPlain_Missing(t *testing.T) {
	t.Parallel()
	user, pass := parseJAASPlain("")
	if user != "" || pass != "" {
		t.Errorf("expected empty user/pass for empty JAAS string, got %q/%q", user, pass)
	}
}

func TestExtractQuoted(t *testing.T) {
	t.Parallel()
	if got := extractQuoted(`foo="bar"`, "foo="); got != "bar" {
		t.Errorf("extractQuoted = %q, want bar", got)
	}
	if got := extractQuoted(`foo=bar`, "foo="); got != "" {
		t.Errorf("extractQuoted unterminated = %q, want empty", got)
	}
	if got := extractQuoted(`nothing here`, "foo="); got != "" {
		t.Errorf("extractQuoted missing key = %q, want empty", got)
	}
}
