package types

import (
	"testing"
	"time"
)

func TestSkillLevel_Rank(t *testing.T) {
	for i := 1; i < len(AllSkillLevels); i++ {
		if AllSkillLevels[i].Rank() <= AllSkillLevels[i-1].Rank() {
			t.Errorf("%s should rank above %s", AllSkillLevels[i], AllSkillLevels[i-1])
		}
	}
}

func TestMaxSkill(t *testing.T) {
	tests := []struct {
		a, b, want SkillLevel
	}{
		{SkillScriptKiddie, SkillAdvanced, SkillAdvanced},
		{SkillAPT, SkillIntermediate, SkillAPT},
		{SkillIntermediate, SkillIntermediate, SkillIntermediate},
	}
	for _, tt := range tests {
		if got := MaxSkill(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxSkill(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAddToSet(t *testing.T) {
	var set []string
	for _, v := range []string{"T1110", "T1003", "T1110", "T1082"} {
		set, _ = AddToSet(set, v)
	}
	want := []string{"T1003", "T1082", "T1110"}
	if len(set) != len(want) {
		t.Fatalf("set = %v, want %v", set, want)
	}
	for i := range want {
		if set[i] != want[i] {
			t.Errorf("set[%d] = %s, want %s", i, set[i], want[i])
		}
	}
	if _, added := AddToSet(set, "T1003"); added {
		t.Error("AddToSet reported an existing value as new")
	}
}

func TestSession_CloneIsIndependent(t *testing.T) {
	end := time.Now()
	s := &Session{
		ID:              "s1",
		EndTime:         &end,
		Events:          []Event{{Type: EventCommand, Data: map[string]string{"command": "id"}}},
		Commands:        []string{"id"},
		MitreTechniques: []string{"T1033"},
	}
	c := s.Clone()
	c.Commands[0] = "whoami"
	c.Events[0].Data["command"] = "whoami"
	c.MitreTechniques = append(c.MitreTechniques, "T1082")
	*c.EndTime = end.Add(time.Hour)

	if s.Commands[0] != "id" || s.Events[0].Data["command"] != "id" {
		t.Error("clone shares command storage with original")
	}
	if len(s.MitreTechniques) != 1 {
		t.Error("clone shares technique storage with original")
	}
	if !s.EndTime.Equal(end) {
		t.Error("clone shares end time with original")
	}
	if !s.Closed() || !s.HasTechnique("T1033") || s.HasTechnique("T1082") {
		t.Error("Closed/HasTechnique disagree with session contents")
	}
}

func TestServiceType_Valid(t *testing.T) {
	if !ServiceRedis.Valid() {
		t.Error("redis should be valid")
	}
	if ServiceType("gopher").Valid() {
		t.Error("gopher should not be valid")
	}
}
