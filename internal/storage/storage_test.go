package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"deskbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCampaignRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	deliveryAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	id, err := st.CreateCampaign(ctx, 7, "hello everyone", deliveryAt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c, err := st.CampaignByID(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.AuthorID != 7 || c.Message != "hello everyone" {
		t.Fatalf("unexpected campaign: %+v", c)
	}
	if !c.DeliveryAt.Equal(deliveryAt) {
		t.Fatalf("delivery time = %v, want %v", c.DeliveryAt, deliveryAt)
	}
	if c.Finished || c.SuccessfulSends != 0 || c.FailedSends != 0 {
		t.Fatalf("new campaign should be zeroed: %+v", c)
	}

	newAt := deliveryAt.Add(48 * time.Hour)
	if err := st.UpdateCampaignSchedule(ctx, id, newAt); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	if err := st.UpdateCampaignText(ctx, id, "edited"); err != nil {
		t.Fatalf("update text: %v", err)
	}
	c, _ = st.CampaignByID(ctx, id)
	if !c.DeliveryAt.Equal(newAt) || c.Message != "edited" {
		t.Fatalf("edit not applied: %+v", c)
	}

	if err := st.DeleteCampaign(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.CampaignByID(ctx, id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestProgressConvergesUnderConcurrency(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateCampaign(ctx, 1, "msg", time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const jobs = 16
	if err := st.SetCampaignJobsRemaining(ctx, id, jobs); err != nil {
		t.Fatalf("set jobs: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.ApplyCampaignProgress(ctx, id, i, 1); err != nil {
				t.Errorf("apply progress: %v", err)
			}
		}(i)
	}
	wg.Wait()

	c, err := st.CampaignByID(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wantSuccess := jobs * (jobs - 1) / 2
	if c.SuccessfulSends != wantSuccess || c.FailedSends != jobs {
		t.Fatalf("counters = (%d,%d), want (%d,%d)", c.SuccessfulSends, c.FailedSends, wantSuccess, jobs)
	}
	if !c.Finished || c.JobsRemaining != 0 {
		t.Fatalf("expected finished with zero jobs remaining: %+v", c)
	}
	if c.FinishedAt.IsZero() {
		t.Fatal("finished_at not set")
	}
}

func TestFinishedTransitionsOnce(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.CreateCampaign(ctx, 1, "msg", time.Now().UTC())
	if err := st.SetCampaignJobsRemaining(ctx, id, 1); err != nil {
		t.Fatalf("set jobs: %v", err)
	}

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	st.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	if err := st.ApplyCampaignProgress(ctx, id, 5, 0); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	c, _ := st.CampaignByID(ctx, id)
	if !c.Finished {
		t.Fatal("expected finished after last job")
	}
	first := c.FinishedAt

	// Straggler job reporting after deletion window: counters move,
	// finished_at must not.
	if err := st.ApplyCampaignProgress(ctx, id, 1, 1); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	c, _ = st.CampaignByID(ctx, id)
	if !c.FinishedAt.Equal(first) {
		t.Fatalf("finished_at moved: %v -> %v", first, c.FinishedAt)
	}
	if c.SuccessfulSends != 6 || c.FailedSends != 1 {
		t.Fatalf("straggler increment lost: %+v", c)
	}
}

func TestSurveyAnswersAndResults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	id, err := st.CreateSurvey(ctx, 9, "lunch?", []string{"pizza", "sushi", "salad"}, 2, start, start.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}
	choices, err := st.SurveyChoices(ctx, id)
	if err != nil || len(choices) != 3 {
		t.Fatalf("choices = %v, %v", choices, err)
	}
	if choices[0].Text != "pizza" || choices[2].Text != "salad" {
		t.Fatalf("choice order lost: %+v", choices)
	}

	if err := st.SaveAnswers(ctx, 100, id, []int64{choices[0].ID, choices[1].ID}); err != nil {
		t.Fatalf("save answers: %v", err)
	}
	if err := st.SaveAnswers(ctx, 100, id, []int64{choices[2].ID}); err != ErrAlreadyAnswered {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
	if err := st.SaveAnswers(ctx, 101, id, []int64{choices[0].ID, choices[1].ID, choices[2].ID}); err != ErrTooManyChoices {
		t.Fatalf("expected ErrTooManyChoices, got %v", err)
	}
	if err := st.SaveAnswers(ctx, 101, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save answers: %v", err)
	}

	res, err := st.SurveyResultsByID(ctx, id)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	votes := map[string]int{}
	for _, cr := range res.Choices {
		votes[cr.Text] = cr.Votes
	}
	if votes["pizza"] != 2 || votes["sushi"] != 1 || votes["salad"] != 0 {
		t.Fatalf("unexpected votes: %v", votes)
	}
}

func TestUnansweredPaging(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := st.UpsertRecipient(ctx, i, 3); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	start := time.Now().UTC()
	id, _ := st.CreateSurvey(ctx, 9, "q", []string{"a"}, 1, start, start.AddDate(0, 0, 3))
	choices, _ := st.SurveyChoices(ctx, id)
	if err := st.SaveAnswers(ctx, 2, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveAnswers(ctx, 4, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var got []int64
	for page := 1; ; page++ {
		ids, err := st.UnansweredByOffset(ctx, id, 3, 2, page)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if len(ids) == 0 {
			break
		}
		got = append(got, ids...)
	}
	want := []int64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("unanswered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unanswered = %v, want %v", got, want)
		}
	}
}

func TestDistinctOffsetsSorted(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for id, off := range map[int64]int{1: 5, 2: -3, 3: 0, 4: 5, 5: 12} {
		if err := st.UpsertRecipient(ctx, id, off); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	offs, err := st.DistinctOffsets(ctx)
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	want := []int{-3, 0, 5, 12}
	if len(offs) != len(want) {
		t.Fatalf("offsets = %v, want %v", offs, want)
	}
	for i := range want {
		if offs[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", offs, want)
		}
	}
}

func TestJobPrefixDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	runAt := time.Now().UTC().Add(time.Hour)
	ids := []string{
		"broadcast_12_announce_2024-01-01T06:00:00Z",
		"broadcast_12_announce_2024-01-01T04:00:00Z",
		"broadcast_123_announce_2024-01-01T06:00:00Z",
		"survey_12_reminder_2024-01-05T06:00:00Z",
	}
	for _, id := range ids {
		if err := st.PutJob(ctx, JobRow{ID: id, Kind: "broadcast", RunAt: runAt}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	n, err := st.DeleteJobsByPrefix(ctx, "broadcast_12_")
	if err != nil {
		t.Fatalf("delete by prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d jobs, want 2", n)
	}
	rows, _ := st.ListJobs(ctx)
	for _, row := range rows {
		if row.ID == ids[0] || row.ID == ids[1] {
			t.Fatalf("job %s should be deleted", row.ID)
		}
	}
	if len(rows) != 2 {
		t.Fatalf("remaining = %d, want 2", len(rows))
	}

	// idempotent removes
	if err := st.DeleteJob(ctx, "no-such-job"); err != nil {
		t.Fatalf("delete unknown id: %v", err)
	}
}

func TestJobUpsertReplaces(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	if err := st.PutJob(ctx, JobRow{ID: "j1", Kind: "broadcast", RunAt: first, Payload: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	second := first.Add(2 * time.Hour)
	if err := st.PutJob(ctx, JobRow{ID: "j1", Kind: "broadcast", RunAt: second, Payload: []byte(`{"a":2}`)}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	row, err := st.JobByID(ctx, "j1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !row.RunAt.Equal(second) {
		t.Fatalf("run_at = %v, want %v", row.RunAt, second)
	}
	if string(row.Payload) != `{"a":2}` {
		t.Fatalf("payload = %s", row.Payload)
	}

	ok, err := st.ClaimJob(ctx, "j1")
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	ok, err = st.ClaimJob(ctx, "j1")
	if err != nil || ok {
		t.Fatalf("second claim should lose: %v, %v", ok, err)
	}
}

func TestPruneFinished(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return base })

	oldID, err := st.CreateCampaign(ctx, 1, "old", base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkCampaignFinished(ctx, oldID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	st.SetClock(func() time.Time { return base.Add(40 * 24 * time.Hour) })
	freshID, err := st.CreateCampaign(ctx, 1, "fresh", base.Add(40*24*time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkCampaignFinished(ctx, freshID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	pendingID, err := st.CreateCampaign(ctx, 1, "pending", base.Add(41*24*time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := st.PruneFinished(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, err := st.CampaignByID(ctx, oldID); err != ErrNotFound {
		t.Fatalf("old campaign should be gone, got %v", err)
	}
	if _, err := st.CampaignByID(ctx, freshID); err != nil {
		t.Fatalf("recently finished campaign pruned: %v", err)
	}
	if _, err := st.CampaignByID(ctx, pendingID); err != nil {
		t.Fatalf("unfinished campaign pruned: %v", err)
	}
}
