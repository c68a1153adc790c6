package models

import "testing"

func TestCanTransitionStage(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StageDraft, StageInReview, true},
		{StageInReview, StageScheduled, true},
		{StageScheduled, StageReady, true},
		{StageReady, StagePublished, true},
		{StageScheduled, StageInReview, true}, // unschedule
		{StageDraft, StageScheduled, false},   // no skipping
		{StageInReview, StageDraft, false},
		{StagePublished, StageReady, false},
		{StagePublished, StageDraft, false},
		{"bogus", StageInReview, false},
		{StageDraft, "bogus", false},
	}
	for _, c := range cases {
		if got := CanTransitionStage(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionStage(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestNextStageStopsAtPublished(t *testing.T) {
	order := []string{StageDraft, StageInReview, StageScheduled, StageReady, StagePublished}
	for i := 0; i < len(order)-1; i++ {
		if got := NextStage(order[i]); got != order[i+1] {
			t.Errorf("NextStage(%q) = %q, want %q", order[i], got, order[i+1])
		}
	}
	if got := NextStage(StagePublished); got != "" {
		t.Errorf("NextStage(published) = %q, want empty", got)
	}
}

func TestCampaignEditable(t *testing.T) {
	editable := map[string]bool{
		StageDraft:     true,
		StageInReview:  true,
		StageScheduled: false,
		StageReady:     false,
		StagePublished: false,
	}
	for stage, want := range editable {
		if got := CampaignEditable(stage); got != want {
			t.Errorf("CampaignEditable(%q) = %v, want %v", stage, got, want)
		}
	}
}

func TestCanTransitionPublish(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{PublishPending, PublishPublishing, true},
		{PublishPublishing, PublishPublished, true},
		{PublishPublishing, PublishFailed, true},
		{PublishFailed, PublishPending, true}, // explicit retry only
		{PublishPending, PublishPublished, false},
		{PublishPending, PublishFailed, false},
		{PublishFailed, PublishPublishing, false},
		{PublishPublished, PublishPending, false}, // terminal
		{PublishPublished, PublishFailed, false},
	}
	for _, c := range cases {
		if got := CanTransitionPublish(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionPublish(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
