package envexpand

import "testing"

func TestExpand_SetVar(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	got := Expand("value: ${TEST_VAR}")
	want := "value: hello"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_UnsetVar(t *testing.T) {
	got := Expand("value: ${UNSET_VAR_12345}")
	want := "value: "
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_DefaultUsedWhenUnset(t *testing.T) {
	got := Expand("value: ${UNSET_VAR_12345:-fallback}")
	want := "value: fallback"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_DefaultIgnoredWhenSet(t *testing.T) {
	t.Setenv("TEST_VAR", "real")

	got := Expand("value: ${TEST_VAR:-fallback}")
	want := "value: real"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_DefaultUsedWhenEmpty(t *testing.T) {
	t.Setenv("TEST_VAR", "")

	got := Expand("value: ${TEST_VAR:-fallback}")
	want := "value: fallback"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_MultipleVars(t *testing.T) {
	t.Setenv("USER_A", "alice")
	t.Setenv("USER_B", "bob")

	got := Expand("${USER_A}:${USER_B}")
	want := "alice:bob"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_NoVars(t *testing.T) {
	input := "no variables here"
	got := Expand(input)
	if got != input {
		t.Errorf("got %q, want %q", got, input)
	}
}

func TestExpand_DollarWithoutBraces(t *testing.T) {
	t.Setenv("SOME_VAR", "value")

	// $VAR (no braces) must not be expanded — only ${VAR} is supported.
	got := Expand("path: $SOME_VAR/suffix")
	want := "path: $SOME_VAR/suffix"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_EmptyDefault(t *testing.T) {
	// ${VAR:-} with empty default expands to empty string when unset.
	got := Expand("value: ${UNSET_VAR_99999:-}")
	want := "value: "
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_DefaultWithSpecialChars(t *testing.T) {
	// Default value containing colons, slashes, and port numbers — the kind
	// of value a proxy target placeholder actually carries.
	got := Expand("url: ${UNSET_VAR_99999:-http://localhost:8080/path}")
	want := "url: http://localhost:8080/path"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_NestedInYAML(t *testing.T) {
	t.Setenv("PROXY_USER", "admin")
	t.Setenv("PROXY_PASS", "secret")

	input := `proxies:
  pool1:
    endpoints:
      - username: ${PROXY_USER}
        password: ${PROXY_PASS}`

	got := Expand(input)
	want := `proxies:
  pool1:
    endpoints:
      - username: admin
        password: secret`

	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestExpand_ProxyTargetPlaceholder(t *testing.T) {
	t.Setenv("BUNTIME_TEST_HOST", "upstream.internal")

	got := Expand("http://${BUNTIME_TEST_HOST}/api")
	want := "http://upstream.internal/api"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
