package compose

import "testing"

func TestFingerprint(t *testing.T) {
	body := []byte("services:\n  searxng:\n    image: searxng/searxng\n")
	base, err := Fingerprint("compose", "/srv/stack", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name       string
		id         string
		workingDir string
		body       []byte
		same       bool
	}{
		{name: "identical import", id: "compose", workingDir: "/srv/stack", body: body, same: true},
		{name: "different group", id: "search", workingDir: "/srv/stack", body: body},
		{name: "moved file", id: "compose", workingDir: "/opt/stack", body: body},
		{name: "edited content", id: "compose", workingDir: "/srv/stack", body: []byte("services: {}\n")},
		{name: "no separator collision", id: "compose/srv", workingDir: "/stack", body: body},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fingerprint(tc.id, tc.workingDir, tc.body)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == base) != tc.same {
				t.Fatalf("fingerprint equality = %v, want %v", got == base, tc.same)
			}
		})
	}
}

func TestFingerprint_RejectsEmpty(t *testing.T) {
	if _, err := Fingerprint("compose", ".", nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
}
