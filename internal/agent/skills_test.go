package agent

import (
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/config"
)

func TestSnapshotIsolatedFromLaterEdits(t *testing.T) {
	set := SkillSetFromConfig([]config.SkillConfig{
		{Name: "search", Prompt: "use search"},
		{Name: "", Prompt: "ignored"},
	})
	snap := set.Snapshot()

	set.Upsert(Skill{Name: "search", Prompt: "changed"})
	set.Upsert(Skill{Name: "code", Prompt: "write code"})
	set.Remove("missing")

	if snap.Len() != 1 || snap.Skills()[0].Prompt != "use search" {
		t.Errorf("snapshot changed: %+v", snap.Skills())
	}
	now := set.Snapshot().Skills()
	if len(now) != 2 || now[0].Name != "code" || now[1].Prompt != "changed" {
		t.Errorf("current = %+v", now)
	}

	set.Remove("code")
	if set.Snapshot().Len() != 1 {
		t.Errorf("after remove len = %d, want 1", set.Snapshot().Len())
	}
}

func TestSnapshotFilter(t *testing.T) {
	snap := NewSkillSet(Skill{Name: "a"}, Skill{Name: "b"}).Snapshot()
	tests := []struct {
		allow []string
		want  int
	}{
		{nil, 2},
		{[]string{}, 0},
		{[]string{"b", "zz"}, 1},
	}
	for _, tt := range tests {
		if got := snap.Filter(tt.allow).Len(); got != tt.want {
			t.Errorf("Filter(%v).Len() = %d, want %d", tt.allow, got, tt.want)
		}
	}
	var nilSet *SkillSet
	if nilSet.Snapshot().Len() != 0 {
		t.Error("nil set snapshot not empty")
	}
}
