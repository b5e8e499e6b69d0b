package models

import (
	"encoding/json"
	"testing"
)

func TestRoleUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{`"user"`, RoleUser, false},
		{`"assistant"`, RoleAssistant, false},
		{`"agent"`, RoleAssistant, false},
		{`"system"`, "", true},
	}
	for _, tc := range cases {
		var r Role
		err := json.Unmarshal([]byte(tc.in), &r)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.in, err)
		}
		if r != tc.want {
			t.Fatalf("%s: got %q want %q", tc.in, r, tc.want)
		}
	}
}

func TestNewReferenceSetLayout(t *testing.T) {
	images := make([]string, 9)
	for i := range images {
		images[i] = "img"
	}
	set := NewReferenceSet("1", nil, images, 1)
	if len(set.ReferenceImages) != 9 {
		t.Fatalf("expected 9 references, got %d", len(set.ReferenceImages))
	}
	for i, ref := range set.ReferenceImages {
		if ref.SetIndex != i/3 || ref.ImageIndex != i%3 {
			t.Fatalf("ref %d: got set=%d image=%d", i, ref.SetIndex, ref.ImageIndex)
		}
	}
	if set.ReferenceImages[4].ID != "result-4" {
		t.Fatalf("unexpected id %q", set.ReferenceImages[4].ID)
	}
}
