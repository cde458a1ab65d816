package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exam-grader/api/internal/types"
)

type fakeRecognizer struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	// answers по URL страницы; URL с префиксом "fail" даёт ошибку
	answers map[string]types.AnswerRecognitionResponse
}

func (f *fakeRecognizer) RecognizeStudentAnswers(ctx context.Context, url string, _ types.RecognitionResult) (types.AnswerRecognitionResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if strings.HasPrefix(url, "fail") {
		return types.AnswerRecognitionResponse{}, errors.New("model unavailable")
	}
	if a, ok := f.answers[url]; ok {
		return a, nil
	}
	return choiceAnswers(1, "A"), nil
}

// fullMarks ставит полный балл каждому вопросу ученика с максимумом из бланка.
type fullMarks struct{}

func (fullMarks) CalculatePageScores(_ context.Context, student, _ types.AnswerRecognitionResponse, blank types.RecognitionResult) (types.ScoreCalculationResult, error) {
	maxes := blank.MaxScores()
	res := types.ScoreCalculationResult{}
	for _, r := range student.Regions {
		for _, q := range r.Questions {
			m := maxes[q.QuestionNumber]
			res.Questions = append(res.Questions, types.QuestionScoreResult{QuestionNumber: q.QuestionNumber, Type: r.Type, Score: m, MaxScore: m})
		}
	}
	res.Recompute()
	return res, nil
}

type captureSender struct {
	mu       sync.Mutex
	payloads []types.CallbackPayload
	err      error
}

func (s *captureSender) Send(_ context.Context, _ string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload.(types.CallbackPayload))
	return s.err
}

func (s *captureSender) byID() map[int64]types.CallbackPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]types.CallbackPayload, len(s.payloads))
	for _, p := range s.payloads {
		out[p.GradingSheetID] = p
	}
	return out
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []JobRecord
}

func (r *captureRecorder) Record(_ context.Context, rec JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *captureNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func choiceAnswers(pairs ...any) types.AnswerRecognitionResponse {
	r := types.RegionAnswerResult{Type: types.TypeChoice, Region: types.FullImage}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Questions = append(r.Questions, types.QuestionAnswer{QuestionNumber: types.NumberQ(pairs[i].(int)), Answer: pairs[i+1].(string)})
	}
	return types.AnswerRecognitionResponse{Regions: []types.RegionAnswerResult{r}}
}

func blankSheet(scores ...float64) types.RecognitionResult {
	b := types.RecognitionResult{}
	for i, s := range scores {
		b.Scores = append(b.Scores, types.QuestionScore{QuestionNumber: types.NumberQ(i + 1), Score: s})
	}
	return b
}

func batch(n int, failing int64) types.GradeBatchRequest {
	req := types.GradeBatchRequest{
		BlankSheetRecognition: types.BlankSheetSet{blankSheet(3)},
		AnswerRecognition:     types.AnswerRecognitionSet{choiceAnswers(1, "A")},
		CallbackURL:           "http://callback.local/hook",
	}
	for i := 1; i <= n; i++ {
		url := fmt.Sprintf("sheet-%d.png", i)
		if int64(i) == failing {
			url = "fail.png"
		}
		req.Sheets = append(req.Sheets, types.GradingSheet{GradingSheetID: int64(i), StudentSheetImageURLs: []string{url}})
	}
	return req
}

func TestGradeBatch_ConcurrencyAndIsolation(t *testing.T) {
	rec := &fakeRecognizer{delay: 20 * time.Millisecond}
	sender := &captureSender{}
	recorder := &captureRecorder{}
	notifier := &captureNotifier{}
	c := New(context.Background(), rec, fullMarks{}, sender)
	c.Recorder = recorder
	c.Notifier = notifier

	req := batch(10, 4)
	req.MaxConcurrent = 3
	acc, err := c.GradeBatch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Success || acc.SubmittedCount != 10 || acc.BatchID == "" {
		t.Fatalf("accepted: %+v", acc)
	}
	if m := rec.maxSeen.Load(); m > 3 {
		t.Fatalf("max in-flight %d exceeds limit 3", m)
	}

	got := sender.byID()
	if len(got) != 10 {
		t.Fatalf("expected 10 callbacks, got %d", len(got))
	}
	failed := 0
	for id, p := range got {
		switch p.Status {
		case types.StatusFailed:
			failed++
			if id != 4 || p.FailureReason == "" {
				t.Errorf("unexpected failure for sheet %d: %+v", id, p)
			}
		case types.StatusCompleted:
			if p.FinalScore != "3" || p.MaxScore != "3" {
				t.Errorf("sheet %d: score %s/%s", id, p.FinalScore, p.MaxScore)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failed sheet, got %d", failed)
	}
	if len(notifier.texts) != 1 {
		t.Fatalf("expected one alert, got %v", notifier.texts)
	}
	// processing + итог на каждый лист
	if len(recorder.recs) != 20 {
		t.Fatalf("expected 20 ledger writes, got %d", len(recorder.recs))
	}
}

func TestGradeBatch_DefaultLimit(t *testing.T) {
	rec := &fakeRecognizer{delay: 10 * time.Millisecond}
	c := New(context.Background(), rec, fullMarks{}, &captureSender{})
	c.MaxConcurrent = 2
	if _, err := c.GradeBatch(context.Background(), batch(6, 0)); err != nil {
		t.Fatal(err)
	}
	if m := rec.maxSeen.Load(); m > 2 {
		t.Fatalf("max in-flight %d exceeds configured limit 2", m)
	}
}

func TestGradeBatch_CallbackFailureKeepsCompleted(t *testing.T) {
	sender := &captureSender{err: errors.New("webhook down")}
	recorder := &captureRecorder{}
	c := New(context.Background(), &fakeRecognizer{}, fullMarks{}, sender)
	c.Recorder = recorder

	if _, err := c.GradeBatch(context.Background(), batch(1, 0)); err != nil {
		t.Fatal(err)
	}
	if len(sender.payloads) != 1 || sender.payloads[0].Status != types.StatusCompleted {
		t.Fatalf("undeliverable callback must not turn the sheet into failed: %+v", sender.payloads)
	}
	last := recorder.recs[len(recorder.recs)-1]
	if last.Status != JobCompleted || last.CallbackDelivered || last.CallbackError == "" {
		t.Fatalf("ledger: %+v", last)
	}
}

// panicRecorder падает на записи итогового статуса, то есть уже после колбэка.
type panicRecorder struct{}

func (panicRecorder) Record(_ context.Context, rec JobRecord) error {
	if rec.Status == JobCompleted {
		panic("ledger exploded")
	}
	return nil
}

func TestGradeBatch_PanicAfterCallbackSendsOnce(t *testing.T) {
	sender := &captureSender{}
	c := New(context.Background(), &fakeRecognizer{}, fullMarks{}, sender)
	c.Recorder = panicRecorder{}

	if _, err := c.GradeBatch(context.Background(), batch(1, 0)); err != nil {
		t.Fatal(err)
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("expected exactly one callback, got %+v", sender.payloads)
	}
	if sender.payloads[0].Status != types.StatusCompleted {
		t.Fatalf("completed sheet reported as %s", sender.payloads[0].Status)
	}
}

func TestGradeBatch_MultiPageSheet(t *testing.T) {
	rec := &fakeRecognizer{answers: map[string]types.AnswerRecognitionResponse{
		"p1": choiceAnswers(1, "A"),
		"p2": choiceAnswers(2, "B"),
	}}
	sender := &captureSender{}
	c := New(context.Background(), rec, fullMarks{}, sender)

	req := types.GradeBatchRequest{
		BlankSheetRecognition: types.BlankSheetSet{blankSheet(3, 3, 4)},
		AnswerRecognition:     types.AnswerRecognitionSet{choiceAnswers(1, "A", 2, "B", 3, "C")},
		CallbackURL:           "http://cb",
		Sheets:                []types.GradingSheet{{GradingSheetID: 9, StudentSheetImageURLs: []string{"p1", "p2"}}},
	}
	if _, err := c.GradeBatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	p := sender.payloads[0]
	if p.Status != types.StatusCompleted {
		t.Fatalf("status %s: %s", p.Status, p.FailureReason)
	}
	if p.FinalScore != "6" || p.MaxScore != "10" {
		t.Fatalf("score %s/%s, want 6/10", p.FinalScore, p.MaxScore)
	}
	qs := p.ResultPayload.Questions
	if len(qs) != 3 {
		t.Fatalf("expected 3 questions, got %+v", qs)
	}
	if qs[2].Reason != "not answered" || qs[2].StandardAnswer == nil || *qs[2].StandardAnswer != "C" {
		t.Fatalf("unanswered question: %+v", qs[2])
	}
	if qs[1].StudentAnswer == nil || *qs[1].StudentAnswer != "B" {
		t.Fatalf("student answer of page 2 lost: %+v", qs[1])
	}
	if p.RecognizeResult == nil || len(p.RecognizeResult.Regions[0].Questions) != 2 {
		t.Fatalf("recognized answers: %+v", p.RecognizeResult)
	}
}

func TestGradeBatch_PagePairing(t *testing.T) {
	sender := &captureSender{}
	c := New(context.Background(), &fakeRecognizer{}, fullMarks{}, sender)
	req := types.GradeBatchRequest{
		BlankSheetRecognition: types.BlankSheetSet{blankSheet(3), blankSheet(3)},
		AnswerRecognition:     types.AnswerRecognitionSet{choiceAnswers(1, "A")},
		CallbackURL:           "http://cb",
		Sheets:                []types.GradingSheet{{GradingSheetID: 1, StudentSheetImageURLs: []string{"a", "b", "c"}}},
	}
	if _, err := c.GradeBatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	p := sender.payloads[0]
	if p.Status != types.StatusFailed || !strings.Contains(p.FailureReason, "page 3") {
		t.Fatalf("expected page 3 failure, got %+v", p)
	}
}

func TestGradeBatch_StandardFromCombinedRecognition(t *testing.T) {
	sender := &captureSender{}
	c := New(context.Background(), &fakeRecognizer{}, fullMarks{}, sender)
	b := blankSheet(3)
	key := choiceAnswers(1, "A")
	b.Answers = &key
	req := types.GradeBatchRequest{
		BlankSheetRecognition: types.BlankSheetSet{b},
		CallbackURL:           "http://cb",
		Sheets:                []types.GradingSheet{{GradingSheetID: 1, StudentSheetImageURLs: []string{"a"}}},
	}
	if _, err := c.GradeBatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if p := sender.payloads[0]; p.Status != types.StatusCompleted {
		t.Fatalf("answers from combined recognition must serve as the standard, got %+v", p)
	}

	req.BlankSheetRecognition = types.BlankSheetSet{blankSheet(3)}
	sender.payloads = nil
	if _, err := c.GradeBatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if p := sender.payloads[0]; p.Status != types.StatusFailed {
		t.Fatalf("no standard at all must fail the sheet, got %+v", p)
	}
}

func TestSubmit_ReturnsImmediately(t *testing.T) {
	rec := &fakeRecognizer{delay: 200 * time.Millisecond}
	sender := &captureSender{}
	c := New(context.Background(), rec, fullMarks{}, sender)

	start := time.Now()
	acc, err := c.Submit(batch(3, 0))
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatal("Submit must not wait for grading")
	}
	if acc.SubmittedCount != 3 {
		t.Fatalf("accepted: %+v", acc)
	}
	c.Wait()
	if len(sender.byID()) != 3 {
		t.Fatalf("expected 3 callbacks after Wait, got %d", len(sender.payloads))
	}
}

func TestValidate(t *testing.T) {
	ok := batch(1, 0)
	if err := Validate(ok); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	bad := []func(r *types.GradeBatchRequest){
		func(r *types.GradeBatchRequest) { r.Sheets = nil },
		func(r *types.GradeBatchRequest) { r.CallbackURL = "" },
		func(r *types.GradeBatchRequest) { r.BlankSheetRecognition = nil },
		func(r *types.GradeBatchRequest) { r.MaxConcurrent = -1 },
		func(r *types.GradeBatchRequest) { r.Sheets[0].StudentSheetImageURLs = nil },
	}
	for i, mutate := range bad {
		r := batch(1, 0)
		mutate(&r)
		if err := Validate(r); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestEnrich(t *testing.T) {
	res := types.ScoreCalculationResult{Questions: []types.QuestionScoreResult{{QuestionNumber: types.NumberQ(1)}, {QuestionNumber: types.NumberQ(2)}}}
	Enrich(&res, choiceAnswers(1, "B"), choiceAnswers(1, "A"))
	if *res.Questions[0].StudentAnswer != "B" || *res.Questions[0].StandardAnswer != "A" {
		t.Fatalf("got %+v", res.Questions[0])
	}
	if res.Questions[1].StudentAnswer != nil || res.Questions[1].StandardAnswer != nil {
		t.Fatalf("unknown answers must stay nil: %+v", res.Questions[1])
	}
}
