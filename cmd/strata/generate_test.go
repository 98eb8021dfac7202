package main

import "testing"

func TestParsePrompt(t *testing.T) {
	t.Run("valid list", func(t *testing.T) {
		got, err := parsePrompt("1, 2,3")
		if err != nil {
			t.Fatalf("parsePrompt returned error: %v", err)
		}
		want := []int{1, 2, 3}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("parsePrompt = %v, want %v", got, want)
			}
		}
	})

	t.Run("empty rejected", func(t *testing.T) {
		if _, err := parsePrompt("  "); err == nil {
			t.Fatalf("expected error for empty prompt")
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		if _, err := parsePrompt("1,x,3"); err == nil {
			t.Fatalf("expected error for non-numeric token")
		}
	})
}
