package commandloop

import (
	"strings"
	"testing"
)

func TestBuildHistoryKeepsWindow(t *testing.T) {
	steps := []Step{
		{Iteration: 1, Command: `{"action":"generate_image"}`, Observation: "first"},
		{Iteration: 2, Error: "no command"},
		{Iteration: 3, Command: `{"action":"generate_video"}`, Error: "video generation failed: boom"},
	}

	msgs := buildHistory("make a fox film", steps, nil, 2)

	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("unexpected leading roles %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "make a fox film" {
		t.Errorf("user turn = %q", msgs[1].Content)
	}
	// step 2 had no command, so only its feedback is replayed
	if msgs[2].Role != "user" || msgs[2].Content != "ERROR: no command" {
		t.Errorf("unexpected step 2 feedback %+v", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != `{"action":"generate_video"}` {
		t.Errorf("unexpected step 3 command %+v", msgs[3])
	}
	if !strings.HasPrefix(msgs[4].Content, "ERROR: video generation failed") {
		t.Errorf("unexpected step 3 feedback %q", msgs[4].Content)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "first") {
			t.Error("step outside the window was replayed")
		}
	}
}

func TestBuildHistoryListsArtifacts(t *testing.T) {
	msgs := buildHistory("go", nil, []Artifact{{Kind: "image", URI: "img://1"}}, 2)

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !strings.Contains(msgs[1].Content, "- image: img://1") {
		t.Errorf("artifact summary missing from %q", msgs[1].Content)
	}
}

func TestBuildHistoryZeroWindow(t *testing.T) {
	steps := []Step{{Iteration: 1, Command: "{}", Observation: "ok"}}
	if got := len(buildHistory("go", steps, nil, 0)); got != 2 {
		t.Errorf("expected only system and user turns, got %d", got)
	}
}

func TestStepFeedback(t *testing.T) {
	if got := (Step{Observation: "image generated"}).feedback(); got != "Tool result: image generated" {
		t.Errorf("feedback() = %q", got)
	}
	if got := (Step{Observation: "x", Error: "bad"}).feedback(); got != "ERROR: bad" {
		t.Errorf("feedback() = %q", got)
	}
}
