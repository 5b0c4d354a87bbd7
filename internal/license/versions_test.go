package license

import (
	"testing"

	"github.com/keygatehq/keygate/internal/model"
)

func TestCheckVersion(t *testing.T) {
	cases := []struct {
		mask, version string
		wantKind      model.Kind
	}{
		{"", "", 0},
		{"", "9.9.9", 0},
		{"*", "", 0},
		{"*", "3.1.4", 0},
		{"1.*", "1.2.3", 0},
		{"1.*", "1", 0},
		{"1.*", "2.0.0", model.KindPolicy},
		{"1.*", "10.0.0", model.KindPolicy},
		{"1.*", "", model.KindValidation},
		{"2.5.*", "2.5.1", 0},
		{"2.5.*", "2.6.0", model.KindPolicy},
		{"3.0.0", "3.0.0", 0},
		{"3.0.0", "3.0.1", model.KindPolicy},
		{"3.0.0", "", model.KindValidation},
	}
	for _, tc := range cases {
		err := CheckVersion(tc.mask, tc.version)
		if tc.wantKind == 0 {
			if err != nil {
				t.Errorf("CheckVersion(%q, %q) = %v, want nil", tc.mask, tc.version, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("CheckVersion(%q, %q) = nil, want %v error", tc.mask, tc.version, tc.wantKind)
			continue
		}
		if got := model.KindOf(err); got != tc.wantKind {
			t.Errorf("CheckVersion(%q, %q) kind = %v, want %v", tc.mask, tc.version, got, tc.wantKind)
		}
	}
}

func TestNewLicenseKeyShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		key, err := NewLicenseKey()
		if err != nil {
			t.Fatalf("NewLicenseKey: %v", err)
		}
		if len(key) != keyGroups*keyGroupSize+keyGroups-1 {
			t.Fatalf("key %q has wrong length", key)
		}
		for _, r := range key {
			if r == '-' {
				continue
			}
			switch r {
			case '0', 'O', '1', 'I':
				t.Fatalf("key %q contains ambiguous character %c", key, r)
			}
		}
		if seen[key] {
			t.Fatalf("duplicate key %q in 20 draws", key)
		}
		seen[key] = true
	}
}
