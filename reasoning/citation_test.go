package reasoning

import (
	"reflect"
	"testing"
)

func TestNormalizeCitationsWhitelistsAndDedupes(t *testing.T) {
	evidence := []string{"n1", "n2", "n3"}
	reported := []string{"n2", "n1", "n2", "bogus", "n1"}

	got := NormalizeCitations(reported, evidence)
	want := []string{"n2", "n1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeCitationsAllHallucinated(t *testing.T) {
	evidence := []string{"n1", "n2", "n3", "n4", "n5"}
	reported := []string{"ghost-1", "ghost-2"}

	got := NormalizeCitations(reported, evidence)
	want := []string{"n1", "n2", "n3", "n4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected fallback to first 4 evidence ids, got %v", got)
	}
}

func TestNormalizeCitationsAllHallucinatedFewerThanFour(t *testing.T) {
	evidence := []string{"n1", "n2"}
	reported := []string{"ghost"}

	got := NormalizeCitations(reported, evidence)
	want := []string{"n1", "n2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected fallback to all evidence ids, got %v", got)
	}
}

func TestNormalizeCitationsNoEvidenceNoCitations(t *testing.T) {
	got := NormalizeCitations(nil, nil)
	if len(got) != 0 {
		t.Errorf("expected empty result with no evidence, got %v", got)
	}
}

func TestNormalizeCitationsPreservesFirstSeenOrder(t *testing.T) {
	evidence := []string{"a", "b", "c"}
	reported := []string{"c", "a", "b"}

	got := NormalizeCitations(reported, evidence)
	want := []string{"c", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
