package engine

import (
	"testing"

	"github.com/goliatone/go-syncbridge/core"
)

func newTestMapper(t *testing.T) *FieldMapper {
	t.Helper()
	mapper, err := NewFieldMapper(map[core.SyncDirection][]FieldRule{
		core.DirectionAToB: {
			{SourcePath: "name", TargetPath: "title"},
			{SourcePath: "owner.email", TargetPath: "assignee"},
		},
	})
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	return mapper
}

func TestMapTranslatesDotPaths(t *testing.T) {
	mapper := newTestMapper(t)
	result, err := mapper.Map(core.DirectionAToB, []byte(`{"name":"Deal","owner":{"email":"sam@example.com"}}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if result.Output["title"] != "Deal" {
		t.Fatalf("title = %v", result.Output["title"])
	}
	if result.Output["assignee"] != "sam@example.com" {
		t.Fatalf("assignee = %v", result.Output["assignee"])
	}
	if len(result.Dropped) != 0 {
		t.Fatalf("dropped = %v", result.Dropped)
	}
}

func TestMapReportsDroppedFields(t *testing.T) {
	mapper := newTestMapper(t)
	result, err := mapper.Map(core.DirectionAToB, []byte(`{"name":"Deal","secret":"x","audit":"y"}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(result.Dropped) != 2 {
		t.Fatalf("dropped = %v", result.Dropped)
	}
	if result.Dropped[0] != "audit" || result.Dropped[1] != "secret" {
		t.Fatalf("dropped order = %v", result.Dropped)
	}
	if _, ok := result.Output["secret"]; ok {
		t.Fatal("dropped field leaked into output")
	}
}

func TestMapMissingSourceIsSkipped(t *testing.T) {
	mapper := newTestMapper(t)
	result, err := mapper.Map(core.DirectionAToB, []byte(`{"name":"Deal"}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if _, ok := result.Output["assignee"]; ok {
		t.Fatal("missing source should not set a target")
	}
}

func TestMapRejectsUnknownDirection(t *testing.T) {
	mapper := newTestMapper(t)
	if _, err := mapper.Map(core.DirectionBToA, []byte(`{}`)); err == nil {
		t.Fatal("expected error for direction without rules")
	}
}

func TestMapRejectsNonObjectPayload(t *testing.T) {
	mapper := newTestMapper(t)
	_, err := mapper.Map(core.DirectionAToB, []byte(`[1,2,3]`))
	if core.ClassifyFailure(err) != core.FailureReasonValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}
