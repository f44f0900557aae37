package agent

import (
	"sort"
	"sync/atomic"

	"github.com/nextlevelbuilder/clawlane/internal/config"
)

// Skill is a named prompt fragment.
type Skill struct {
	Name        string
	Description string
	Prompt      string
}

// SkillSnapshot is an immutable view of the skill set at one point in time.
type SkillSnapshot struct {
	skills []Skill
}

func (s SkillSnapshot) Skills() []Skill {
	out := make([]Skill, len(s.skills))
	copy(out, s.skills)
	return out
}

func (s SkillSnapshot) Len() int { return len(s.skills) }

// Filter keeps the named skills. A nil allow list keeps everything.
func (s SkillSnapshot) Filter(allow []string) SkillSnapshot {
	if allow == nil {
		return s
	}
	keep := make(map[string]bool, len(allow))
	for _, n := range allow {
		keep[n] = true
	}
	var out []Skill
	for _, sk := range s.skills {
		if keep[sk.Name] {
			out = append(out, sk)
		}
	}
	return SkillSnapshot{skills: out}
}

// SkillSet is copy-on-write: writers build a new slice and swap it in, so a
// snapshot taken at turn start never observes later edits.
type SkillSet struct {
	cur atomic.Pointer[[]Skill]
}

func NewSkillSet(skills ...Skill) *SkillSet {
	s := &SkillSet{}
	s.Replace(skills)
	return s
}

// SkillSetFromConfig builds a set from the config's skills section.
func SkillSetFromConfig(cfgs []config.SkillConfig) *SkillSet {
	skills := make([]Skill, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			continue
		}
		skills = append(skills, Skill{Name: c.Name, Description: c.Description, Prompt: c.Prompt})
	}
	return NewSkillSet(skills...)
}

// Replace swaps in a new skill list, sorted by name.
func (s *SkillSet) Replace(skills []Skill) {
	next := make([]Skill, len(skills))
	copy(next, skills)
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })
	s.cur.Store(&next)
}

// Upsert adds or replaces one skill.
func (s *SkillSet) Upsert(sk Skill) {
	for {
		old := s.cur.Load()
		next := make([]Skill, 0, len(*old)+1)
		for _, existing := range *old {
			if existing.Name != sk.Name {
				next = append(next, existing)
			}
		}
		next = append(next, sk)
		sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })
		if s.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *SkillSet) Remove(name string) {
	for {
		old := s.cur.Load()
		next := make([]Skill, 0, len(*old))
		for _, existing := range *old {
			if existing.Name != name {
				next = append(next, existing)
			}
		}
		if s.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *SkillSet) Snapshot() SkillSnapshot {
	if s == nil {
		return SkillSnapshot{}
	}
	return SkillSnapshot{skills: *s.cur.Load()}
}
