package attest

import "testing"

func TestSatisfies(t *testing.T) {
	cases := []struct {
		criteria string
		userName string
		roles    []string
		want     bool
	}{
		{"", "anyone", nil, true},
		{"*", "anyone", nil, true},
		{"role:manager", "bob", []string{"manager"}, true},
		{"role:manager", "bob", []string{"analyst"}, false},
		{"role:manager", "bob", nil, false},
		{"user:carol", "carol", nil, true},
		{"user:carol", "bob", nil, false},
		{"role:manager,user:carol", "carol", nil, true},
		{"role:manager,user:carol", "dave", []string{"manager"}, true},
		{"role:manager,user:carol", "dave", nil, false},
		{"role:manager, *", "dave", nil, true},
	}

	for _, tc := range cases {
		got := Satisfies(tc.criteria, tc.userName, tc.roles)
		if got != tc.want {
			t.Fatalf("Satisfies(%q, %q, %v) = %v, want %v", tc.criteria, tc.userName, tc.roles, got, tc.want)
		}
	}
}
