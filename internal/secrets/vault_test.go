package secrets_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/Conductor/internal/secrets"
)

func static(vals map[string]string) secrets.Loader {
	return func() (map[string]string, error) { return vals, nil }
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadRotatesKey(t *testing.T) {
	calls := 0
	v, err := secrets.NewVault(func() (map[string]string, error) {
		calls++
		switch calls {
		case 1:
			return map[string]string{secrets.KeyLiteLLM: "sk-old"}, nil
		case 2:
			return map[string]string{secrets.KeyLiteLLM: "sk-new"}, nil
		}
		return nil, errors.New("vault unavailable")
	})
	if err != nil {
		t.Fatal(err)
	}
	get := v.Getter(secrets.KeyLiteLLM)
	if got := get(); got != "sk-old" {
		t.Fatalf("got %q, want sk-old", got)
	}

	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := get(); got != "sk-new" {
		t.Fatalf("getter must see the rotated key, got %q", got)
	}

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := get(); got != "sk-new" {
		t.Fatalf("failed reload must keep values, got %q", got)
	}
}

func TestVault_Redacted(t *testing.T) {
	v, _ := secrets.NewVault(static(map[string]string{
		"API_KEY": "sk-abcdef123456",
		"SHORT":   "ab",
	}))
	tests := []struct {
		key, want string
	}{
		{"API_KEY", "sk****"},
		{"SHORT", "****"},
		{"MISSING", ""},
	}
	for _, tt := range tests {
		if got := v.Redacted(tt.key); got != tt.want {
			t.Errorf("Redacted(%s) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestVault_RedactString(t *testing.T) {
	v, _ := secrets.NewVault(static(map[string]string{
		secrets.KeyLiteLLM: "sk-live-abcdef",
		"LEGAL_TOKEN":      "tok_legal_123",
		"SHORT":            "ab",
	}))

	got := v.RedactString("litellm rejected sk-live-abcdef, legal replied with tok_legal_123 about abc")
	for _, leaked := range []string{"sk-live-abcdef", "tok_legal_123"} {
		if strings.Contains(got, leaked) {
			t.Errorf("%q leaked in %q", leaked, got)
		}
	}
	if !strings.Contains(got, "sk****") || !strings.Contains(got, "to****") {
		t.Errorf("expected masked values, got %q", got)
	}
	if !strings.Contains(got, "about abc") {
		t.Errorf("short secrets must not be replaced, got %q", got)
	}

	plain := "nothing to hide"
	if got := v.RedactString(plain); got != plain {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestVault_Keys(t *testing.T) {
	v, _ := secrets.NewVault(static(map[string]string{"B": "2", "A": "1"}))
	if got := strings.Join(v.Keys(), ","); got != "A,B" {
		t.Fatalf("got %s, want A,B", got)
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(static(map[string]string{"K": "V"}))

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get("K")
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestEnvLoaderWithDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_SECRET", "from-env")
	t.Setenv("CONDUCTOR_TEST_OVERRIDE", "")

	loader := secrets.WithDefaults(
		secrets.EnvLoader("CONDUCTOR_TEST_SECRET", "CONDUCTOR_TEST_OVERRIDE", "CONDUCTOR_TEST_MISSING"),
		map[string]string{"CONDUCTOR_TEST_OVERRIDE": "from-config", "CONDUCTOR_TEST_SECRET": "ignored"},
	)
	vals, err := loader()
	if err != nil {
		t.Fatal(err)
	}
	if vals["CONDUCTOR_TEST_SECRET"] != "from-env" {
		t.Errorf("env must win over defaults, got %q", vals["CONDUCTOR_TEST_SECRET"])
	}
	if vals["CONDUCTOR_TEST_OVERRIDE"] != "from-config" {
		t.Errorf("unset env must fall back, got %q", vals["CONDUCTOR_TEST_OVERRIDE"])
	}
	if _, ok := vals["CONDUCTOR_TEST_MISSING"]; ok {
		t.Error("missing variable must be omitted")
	}
}
