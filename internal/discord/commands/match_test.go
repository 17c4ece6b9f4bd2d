package commands

import (
	"slices"
	"testing"
)

func TestRankNames(t *testing.T) {
	t.Parallel()

	names := []string{"quack", "airhorn", "horn", "nightcall"}

	t.Run("prefix match ranks first", func(t *testing.T) {
		t.Parallel()
		got := rankNames("air", names, 25)
		if len(got) == 0 || got[0] != "airhorn" {
			t.Errorf("rankNames() = %v, want airhorn first", got)
		}
	})

	t.Run("exact name beats substring match", func(t *testing.T) {
		t.Parallel()
		got := rankNames("horn", names, 25)
		if len(got) < 2 || got[0] != "horn" || got[1] != "airhorn" {
			t.Errorf("rankNames() = %v, want horn then airhorn", got)
		}
	})

	t.Run("typo still finds the target", func(t *testing.T) {
		t.Parallel()
		got := rankNames("arihorn", names, 25)
		if len(got) == 0 || got[0] != "airhorn" {
			t.Errorf("rankNames() = %v, want airhorn first", got)
		}
	})

	t.Run("empty partial keeps input order", func(t *testing.T) {
		t.Parallel()
		got := rankNames("", names, 25)
		if !slices.Equal(got, names) {
			t.Errorf("rankNames() = %v, want %v", got, names)
		}
	})

	t.Run("limit truncates", func(t *testing.T) {
		t.Parallel()
		got := rankNames("n", names, 2)
		if len(got) != 2 {
			t.Errorf("len(rankNames()) = %d, want 2", len(got))
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		t.Parallel()
		if got := rankNames("x", nil, 25); got != nil {
			t.Errorf("rankNames() = %v, want nil", got)
		}
	})
}

func TestClosest(t *testing.T) {
	t.Parallel()

	names := []string{"airhorn", "quack", "nightcall"}

	if got := closest("arihorn", names); got != "airhorn" {
		t.Errorf("closest(arihorn) = %q, want airhorn", got)
	}
	if got := closest("AIRHORN", names); got != "airhorn" {
		t.Errorf("closest(AIRHORN) = %q, want airhorn", got)
	}
	if got := closest("zzzz", names); got != "" {
		t.Errorf("closest(zzzz) = %q, want no suggestion", got)
	}
	if got := closest("airhorn", nil); got != "" {
		t.Errorf("closest() on empty candidates = %q, want empty", got)
	}
}
