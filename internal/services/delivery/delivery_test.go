package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"deskbot/internal/services/scheduler"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/pkg/logx"
)

type sentMessage struct {
	Recipient int64
	Text      string
	Keyboard  any
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[int64]error
}

func (g *fakeGateway) Send(ctx context.Context, recipient int64, parts []string, opt *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.fail[recipient]; ok {
		return err
	}
	msg := sentMessage{Recipient: recipient, Text: strings.Join(parts, "\n")}
	if opt != nil {
		msg.Keyboard = opt.Keyboard
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *fakeGateway) recipients() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, 0, len(g.sent))
	for _, m := range g.sent {
		out = append(out, m.Recipient)
	}
	return out
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	svc := New(Config{PageSize: 2, RatePerSec: 1000}, st, gw, nil, logx.Nop())

	for i, off := range []int{3, 3, 3, 5, 5} {
		if err := st.UpsertRecipient(ctx, int64(100+i), off); err != nil {
			t.Fatalf("upsert recipient: %v", err)
		}
	}
	id, err := st.CreateCampaign(ctx, 7, "hello there", time.Now().UTC())
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := st.SetCampaignJobsRemaining(ctx, id, 1); err != nil {
		t.Fatalf("set jobs remaining: %v", err)
	}

	if err := svc.RunBroadcast(ctx, id, []int{3, 5}, true); err != nil {
		t.Fatalf("run broadcast: %v", err)
	}

	got := gw.recipients()
	if len(got) != 5 {
		t.Fatalf("delivered to %d recipients, want 5: %v", len(got), got)
	}
	c, err := st.CampaignByID(ctx, id)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if c.SuccessfulSends != 5 || c.FailedSends != 0 {
		t.Fatalf("counters = %d/%d, want 5/0", c.SuccessfulSends, c.FailedSends)
	}
	if !c.Finished || c.JobsRemaining != 0 {
		t.Fatalf("last job did not finish the campaign: %+v", c)
	}
}

func TestBroadcastFailureIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{fail: map[int64]error{
		101: &transport.TransientError{Recipient: 101, Err: errors.New("flood wait")},
	}}
	svc := New(Config{PageSize: 10, RatePerSec: 1000}, st, gw, nil, logx.Nop())

	for _, id := range []int64{100, 101, 102} {
		if err := st.UpsertRecipient(ctx, id, 0); err != nil {
			t.Fatalf("upsert recipient: %v", err)
		}
	}
	id, err := st.CreateCampaign(ctx, 7, "hello", time.Now().UTC())
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := st.SetCampaignJobsRemaining(ctx, id, 1); err != nil {
		t.Fatalf("set jobs remaining: %v", err)
	}

	if err := svc.RunBroadcast(ctx, id, []int{0}, true); err != nil {
		t.Fatalf("run broadcast: %v", err)
	}

	if got := gw.recipients(); len(got) != 2 {
		t.Fatalf("delivered to %v, want the two healthy recipients", got)
	}
	c, err := st.CampaignByID(ctx, id)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if c.SuccessfulSends != 2 || c.FailedSends != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", c.SuccessfulSends, c.FailedSends)
	}
}

func TestBroadcastVanishedCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	svc := New(Config{}, st, gw, nil, logx.Nop())

	if err := svc.RunBroadcast(ctx, 404, []int{0}, true); err != nil {
		t.Fatalf("vanished campaign should not fail the job: %v", err)
	}
	if len(gw.recipients()) != 0 {
		t.Fatal("nothing should have been sent")
	}
}

func TestReminderTargetsUnansweredOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	keyboard := func(sv storage.Survey, choices []storage.Choice) any {
		return fmt.Sprintf("kb-%d-%d", sv.ID, len(choices))
	}
	svc := New(Config{PageSize: 10, RatePerSec: 1000}, st, gw, keyboard, logx.Nop())

	for _, id := range []int64{200, 201, 202} {
		if err := st.UpsertRecipient(ctx, id, 2); err != nil {
			t.Fatalf("upsert recipient: %v", err)
		}
	}
	start := time.Now().UTC()
	id, err := st.CreateSurvey(ctx, 7, "favorite color?", []string{"red", "blue"}, 1, start, start.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}
	choices, err := st.SurveyChoices(ctx, id)
	if err != nil {
		t.Fatalf("survey choices: %v", err)
	}
	if err := st.SaveAnswers(ctx, 201, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save answer: %v", err)
	}
	if err := st.SetSurveyJobsRemaining(ctx, id, 1); err != nil {
		t.Fatalf("set jobs remaining: %v", err)
	}

	if err := svc.RunReminder(ctx, id, []int{2}, "1 day", true); err != nil {
		t.Fatalf("run reminder: %v", err)
	}

	got := gw.recipients()
	if len(got) != 2 {
		t.Fatalf("delivered to %v, want the two unanswered recipients", got)
	}
	for _, m := range gw.sent {
		if m.Recipient == 201 {
			t.Fatal("answered recipient got a reminder")
		}
		if !strings.Contains(m.Text, "1 day") || !strings.Contains(m.Text, "favorite color?") {
			t.Fatalf("reminder text missing label or question: %q", m.Text)
		}
		if m.Keyboard != fmt.Sprintf("kb-%d-2", id) {
			t.Fatalf("reminder missing choice keyboard: %v", m.Keyboard)
		}
	}
	sv, err := st.SurveyByID(ctx, id)
	if err != nil {
		t.Fatalf("load survey: %v", err)
	}
	if sv.SuccessfulSends != 2 {
		t.Fatalf("successful sends = %d, want 2", sv.SuccessfulSends)
	}
}

func TestAnnounceBuildsKeyboardForEveryone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	keyboard := func(sv storage.Survey, choices []storage.Choice) any { return len(choices) }
	svc := New(Config{PageSize: 10, RatePerSec: 1000}, st, gw, keyboard, logx.Nop())

	for _, id := range []int64{300, 301} {
		if err := st.UpsertRecipient(ctx, id, 0); err != nil {
			t.Fatalf("upsert recipient: %v", err)
		}
	}
	start := time.Now().UTC()
	id, err := st.CreateSurvey(ctx, 7, "lunch?", []string{"yes", "no", "maybe"}, 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}

	if err := svc.RunAnnounce(ctx, id, []int{0}, false); err != nil {
		t.Fatalf("run announce: %v", err)
	}
	if len(gw.sent) != 2 {
		t.Fatalf("delivered %d, want 2", len(gw.sent))
	}
	for _, m := range gw.sent {
		if m.Text != "lunch?" {
			t.Fatalf("announce text = %q", m.Text)
		}
		if m.Keyboard != 3 {
			t.Fatalf("keyboard = %v, want 3 choices", m.Keyboard)
		}
	}
}

func TestSendResultAuthorOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	svc := New(Config{RatePerSec: 1000}, st, gw, nil, logx.Nop())

	for _, id := range []int64{400, 401} {
		if err := st.UpsertRecipient(ctx, id, 0); err != nil {
			t.Fatalf("upsert recipient: %v", err)
		}
	}
	start := time.Now().UTC()
	id, err := st.CreateSurvey(ctx, 42, "tea or coffee?", []string{"tea", "coffee"}, 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}
	choices, err := st.SurveyChoices(ctx, id)
	if err != nil {
		t.Fatalf("survey choices: %v", err)
	}
	if err := st.SaveAnswers(ctx, 400, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save answer: %v", err)
	}
	if err := st.SaveAnswers(ctx, 401, id, []int64{choices[0].ID}); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	if err := svc.SendResult(ctx, id); err != nil {
		t.Fatalf("send result: %v", err)
	}
	if len(gw.sent) != 1 || gw.sent[0].Recipient != 42 {
		t.Fatalf("result went to %v, want author 42 only", gw.recipients())
	}
	if !strings.Contains(gw.sent[0].Text, "100.00%") || !strings.Contains(gw.sent[0].Text, "tea") {
		t.Fatalf("result text = %q", gw.sent[0].Text)
	}
}

func TestFormatResults(t *testing.T) {
	t.Parallel()
	res := storage.SurveyResults{
		Survey: storage.Survey{ID: 9, Question: "best day?"},
		Choices: []storage.ChoiceResult{
			{Choice: storage.Choice{Text: "friday"}, Votes: 3},
			{Choice: storage.Choice{Text: "monday"}, Votes: 1},
		},
	}
	got := FormatResults(res)
	if !strings.Contains(got, "75.00% (3 votes): friday") {
		t.Fatalf("missing majority line: %q", got)
	}
	if !strings.Contains(got, "25.00% (1 votes): monday") {
		t.Fatalf("missing minority line: %q", got)
	}

	res.Choices[0].Votes = 0
	res.Choices[1].Votes = 0
	if got := FormatResults(res); !strings.Contains(got, "no responses yet") {
		t.Fatalf("zero votes should render the not-ready text: %q", got)
	}
}

type fakeRegistry struct {
	handlers map[string]scheduler.HandlerFunc
}

func (r *fakeRegistry) RegisterHandler(kind string, h scheduler.HandlerFunc) {
	if r.handlers == nil {
		r.handlers = map[string]scheduler.HandlerFunc{}
	}
	r.handlers[kind] = h
}

func TestHandlersDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testStore(t)
	gw := &fakeGateway{}
	svc := New(Config{PageSize: 10, RatePerSec: 1000}, st, gw, nil, logx.Nop())

	reg := &fakeRegistry{}
	svc.RegisterHandlers(reg)
	if _, ok := reg.handlers[KindBroadcast]; !ok {
		t.Fatal("broadcast handler not registered")
	}
	if _, ok := reg.handlers[KindSurvey]; !ok {
		t.Fatal("survey handler not registered")
	}

	if err := st.UpsertRecipient(ctx, 500, 0); err != nil {
		t.Fatalf("upsert recipient: %v", err)
	}
	id, err := st.CreateCampaign(ctx, 7, "dispatched", time.Now().UTC())
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	payload, err := json.Marshal(BroadcastArgs{CampaignID: id, Offsets: []int{0}, Final: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := reg.handlers[KindBroadcast](ctx, payload); err != nil {
		t.Fatalf("broadcast handler: %v", err)
	}
	if got := gw.recipients(); len(got) != 1 || got[0] != 500 {
		t.Fatalf("broadcast went to %v", got)
	}

	bad, _ := json.Marshal(SurveyArgs{SurveyID: 1, Phase: "poke"})
	if err := reg.handlers[KindSurvey](ctx, bad); err == nil {
		t.Fatal("unknown phase should error")
	}
}
