package recognition

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/prompt"
	"exam-grader/api/internal/types"
)

type fakeEngine struct {
	mu         sync.Mutex
	structured func(schema string, images []llm.Image) (string, error)
	plain      func(prompt string, images []llm.Image) (string, error)

	structuredCalls int
	plainCalls      int
	prompts         []string
}

func (f *fakeEngine) Name() string     { return "fake" }
func (f *fakeEngine) GetModel() string { return "fake-1" }

func (f *fakeEngine) Invoke(_ context.Context, images []llm.Image, p string) (string, error) {
	f.mu.Lock()
	f.plainCalls++
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.plain == nil {
		return "", errors.New("unconstrained call not expected")
	}
	return f.plain(p, images)
}

func (f *fakeEngine) InvokeStructured(_ context.Context, images []llm.Image, p, name string, _ llm.Schema) (string, error) {
	f.mu.Lock()
	f.structuredCalls++
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.structured == nil {
		return "", errors.New("structured call not expected")
	}
	return f.structured(name, images)
}

type fakeFetcher struct{ fail map[string]bool }

func (f fakeFetcher) Fetch(_ context.Context, src string) (llm.Image, error) {
	if f.fail[src] {
		return llm.Image{}, errors.New("fetch failed: " + src)
	}
	return llm.Image{MIME: "image/png", Data: []byte(src)}, nil
}

type fakeCropper struct{ err error }

func (c fakeCropper) Crop(_ context.Context, src llm.Image, _ types.Box, _ float64) (llm.Image, error) {
	if c.err != nil {
		return llm.Image{}, c.err
	}
	return llm.Image{MIME: "image/jpeg", Data: append([]byte("crop:"), src.Data...)}, nil
}

type memCache struct {
	mu    sync.Mutex
	items map[string]types.RecognitionResult
}

func (m *memCache) Find(_ context.Context, key string) (types.RecognitionResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[key]
	return r, ok, nil
}

func (m *memCache) Save(_ context.Context, key string, r types.RecognitionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]types.RecognitionResult{}
	}
	m.items[key] = r
	return nil
}

func newOrchestrator(eng llm.Engine, crop Cropper, cache Cache) *Orchestrator {
	return New(eng, fakeFetcher{}, crop, Options{RegionMargin: 0, CropExpand: 2, Cache: cache})
}

const blankJSON = `{"regions":[{"type":"choice","x_min_percent":10,"y_min_percent":10,"x_max_percent":90,"y_max_percent":30}],"scores":[{"questionNumber":1,"score":3}]}`

func TestBlankSheet_StructuredHappyPath(t *testing.T) {
	eng := &fakeEngine{structured: func(string, []llm.Image) (string, error) { return blankJSON, nil }}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 1 || len(res.Scores) != 1 {
		t.Fatalf("got %+v", res)
	}
	if eng.plainCalls != 0 {
		t.Fatalf("no fallback expected, got %d plain calls", eng.plainCalls)
	}
}

func TestBlankSheet_RepairsStructuredText(t *testing.T) {
	eng := &fakeEngine{structured: func(string, []llm.Image) (string, error) { return "```json\n" + blankJSON + "\n```", nil }}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	if res.Empty() || eng.plainCalls != 0 {
		t.Fatalf("repair of the same text expected, got %+v (plain calls %d)", res, eng.plainCalls)
	}
}

func TestBlankSheet_EmptyFallsBackToUnconstrained(t *testing.T) {
	eng := &fakeEngine{
		structured: func(string, []llm.Image) (string, error) { return `{"regions":[],"scores":[]}`, nil },
		plain:      func(string, []llm.Image) (string, error) { return "Here you go: " + blankJSON, nil },
	}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	if res.Empty() {
		t.Fatal("expected result of the unconstrained call")
	}
	if eng.structuredCalls != 1 || eng.plainCalls != 1 {
		t.Fatalf("calls: structured=%d plain=%d", eng.structuredCalls, eng.plainCalls)
	}
}

func TestBlankSheet_StructuredErrorFallsBack(t *testing.T) {
	eng := &fakeEngine{
		structured: func(string, []llm.Image) (string, error) { return "", errors.New("schema not supported") },
		plain:      func(string, []llm.Image) (string, error) { return blankJSON, nil },
	}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	if res.Empty() {
		t.Fatal("expected fallback result")
	}
}

func TestBlankSheet_KeepsEmptyWhenFallbackFails(t *testing.T) {
	eng := &fakeEngine{
		structured: func(string, []llm.Image) (string, error) { return `{"regions":[],"scores":[]}`, nil },
		plain:      func(string, []llm.Image) (string, error) { return "", errors.New("down") },
	}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatalf("empty structured result must be kept, got %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestBlankSheet_AllFail(t *testing.T) {
	eng := &fakeEngine{
		structured: func(string, []llm.Image) (string, error) { return "", errors.New("down") },
		plain:      func(string, []llm.Image) (string, error) { return "", errors.New("down") },
	}
	if _, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png"); err == nil {
		t.Fatal("expected error")
	}
}

func TestBlankSheet_UnionsChoiceRegions(t *testing.T) {
	out := `{"regions":[
		{"type":"choice","x_min_percent":10,"y_min_percent":10,"x_max_percent":50,"y_max_percent":20},
		{"type":"essay","x_min_percent":0,"y_min_percent":50,"x_max_percent":100,"y_max_percent":100},
		{"type":"choice","x_min_percent":5,"y_min_percent":25,"x_max_percent":60,"y_max_percent":35}
	],"scores":[{"questionNumber":1,"score":2}],"answers":{"regions":[]}}`
	eng := &fakeEngine{structured: func(string, []llm.Image) (string, error) { return out, nil }}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	choice := res.RegionsOf(types.TypeChoice)
	if len(choice) != 1 {
		t.Fatalf("expected one choice region, got %d", len(choice))
	}
	if want := (types.Box{XMin: 5, YMin: 10, XMax: 60, YMax: 35}); choice[0].Box != want {
		t.Fatalf("union: got %+v want %+v", choice[0].Box, want)
	}
	if res.Answers != nil {
		t.Fatal("blank sheet result must not carry answers")
	}
}

func TestBlankSheet_Cache(t *testing.T) {
	eng := &fakeEngine{structured: func(string, []llm.Image) (string, error) { return blankJSON, nil }}
	o := newOrchestrator(eng, fakeCropper{}, &memCache{})

	first, err := o.RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.RecognizeBlankSheet(context.Background(), "blank.png")
	if err != nil {
		t.Fatal(err)
	}
	if eng.structuredCalls != 1 {
		t.Fatalf("second call must be served from cache, got %d model calls", eng.structuredCalls)
	}
	if len(second.Regions) != len(first.Regions) {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
	if _, err := o.RecognizeBlankSheet(context.Background(), "other.png"); err != nil {
		t.Fatal(err)
	}
	if eng.structuredCalls != 2 {
		t.Fatal("different image must miss the cache")
	}
}

func TestBlankSheet_FetchError(t *testing.T) {
	eng := &fakeEngine{}
	o := New(eng, fakeFetcher{fail: map[string]bool{"x": true}}, fakeCropper{}, Options{})
	if _, err := o.RecognizeBlankSheet(context.Background(), "x"); err == nil {
		t.Fatal("expected fetch error")
	}
	if eng.structuredCalls+eng.plainCalls != 0 {
		t.Fatal("model must not be called when the image is unavailable")
	}
}

func blankWithChoice() types.RecognitionResult {
	return types.RecognitionResult{
		Regions: []types.QuestionRegion{
			{Type: types.TypeChoice, Box: types.Box{XMin: 10, YMin: 10, XMax: 90, YMax: 30}},
			{Type: types.TypeEssay, Box: types.Box{XMin: 0, YMin: 40, XMax: 100, YMax: 100}},
		},
		Scores: []types.QuestionScore{{QuestionNumber: types.NumberQ(1), Score: 3}},
	}
}

func studentEngine() *fakeEngine {
	return &fakeEngine{structured: func(schema string, images []llm.Image) (string, error) {
		switch schema {
		case prompt.SchemaQuestions:
			if !strings.HasPrefix(string(images[0].Data), "crop:") {
				return "", errors.New("choice branch must receive the crop")
			}
			return `{"questions":[{"question_number":2,"answer":"B"},{"question_number":1,"answer":"A"}]}`, nil
		case prompt.SchemaAnswers:
			return `{"regions":[{"type":"essay","questions":[{"question_number":5,"answer":"essay text"}]},{"type":"choice","questions":[{"question_number":1,"answer":"Z"}]}]}`, nil
		}
		return "", errors.New("unexpected schema " + schema)
	}}
}

func TestStudentAnswers_ChoiceFirstThenRest(t *testing.T) {
	eng := studentEngine()
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeStudentAnswers(context.Background(), "student.png", blankWithChoice())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 2 {
		t.Fatalf("expected choice + essay, got %+v", res.Regions)
	}
	choice, essay := res.Regions[0], res.Regions[1]
	if choice.Type != types.TypeChoice || len(choice.Questions) != 2 {
		t.Fatalf("choice region: %+v", choice)
	}
	if choice.Region != blankWithChoice().Regions[0].Box {
		t.Fatalf("choice region must keep blank sheet coordinates, got %+v", choice.Region)
	}
	if essay.Type != types.TypeEssay || essay.Region != types.FullImage || essay.Questions[0].Answer != "essay text" {
		t.Fatalf("essay region: %+v", essay)
	}
	for _, p := range eng.prompts {
		if p == prompt.StudentSheet() {
			t.Fatal("full-sheet branch must exclude choice questions when choice regions exist")
		}
	}
}

func TestStudentAnswers_CropFailureIsolated(t *testing.T) {
	eng := studentEngine()
	res, err := newOrchestrator(eng, fakeCropper{err: errors.New("bad image")}, nil).RecognizeStudentAnswers(context.Background(), "student.png", blankWithChoice())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 2 {
		t.Fatalf("got %+v", res.Regions)
	}
	if len(res.Regions[0].Questions) != 0 {
		t.Fatalf("failed choice branch must be empty, got %+v", res.Regions[0])
	}
	if len(res.Regions[1].Questions) != 1 {
		t.Fatalf("essay branch must survive, got %+v", res.Regions[1])
	}
}

func TestStudentAnswers_FullSheetFailureIsolated(t *testing.T) {
	eng := &fakeEngine{structured: func(schema string, _ []llm.Image) (string, error) {
		if schema == prompt.SchemaQuestions {
			return `{"questions":[{"question_number":1,"answer":"C"}]}`, nil
		}
		return "", errors.New("down")
	}}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeStudentAnswers(context.Background(), "student.png", blankWithChoice())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 1 || res.Regions[0].Questions[0].Answer != "C" {
		t.Fatalf("got %+v", res.Regions)
	}
}

func TestStudentAnswers_NoChoiceRegions(t *testing.T) {
	eng := &fakeEngine{structured: func(schema string, _ []llm.Image) (string, error) {
		return `{"regions":[{"type":"choice","questions":[{"question_number":1,"answer":"D"}]}]}`, nil
	}}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeStudentAnswers(context.Background(), "student.png", types.RecognitionResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 1 || res.Regions[0].Type != types.TypeChoice {
		t.Fatalf("choice answers from the full sheet must be kept, got %+v", res.Regions)
	}
	if eng.prompts[0] != prompt.StudentSheet() {
		t.Fatal("whole-sheet prompt expected")
	}
}

func TestRecognizeAnswers_MergesPages(t *testing.T) {
	eng := &fakeEngine{structured: func(_ string, images []llm.Image) (string, error) {
		if string(images[0].Data) == "p1" {
			return `{"regions":[{"type":"choice","questions":[{"question_number":1,"answer":"A"},{"question_number":2,"answer":"B"}]}]}`, nil
		}
		return `{"regions":[{"type":"choice","questions":[{"question_number":2,"answer":"X"},{"question_number":3,"answer":"C"}]}]}`, nil
	}}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeAnswers(context.Background(), []string{"p1", "p2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 1 || len(res.Regions[0].Questions) != 3 {
		t.Fatalf("got %+v", res.Regions)
	}
	if a := res.Regions[0].Questions[1].Answer; a != "B" {
		t.Fatalf("first page must win for question 2, got %q", a)
	}
	if res.Regions[0].Region != types.FullImage {
		t.Fatalf("unlocalized answers must cover the full image, got %+v", res.Regions[0].Region)
	}
}

func TestRecognizeCombined(t *testing.T) {
	out := `{"regions":[{"type":"choice","x_min_percent":10,"y_min_percent":10,"x_max_percent":90,"y_max_percent":30}],
		"scores":[{"questionNumber":1,"score":3},{"questionNumber":2,"score":3}],
		"answers":{"regions":[{"type":"choice","questions":[{"question_number":"2","answer":"B"},{"question_number":1,"answer":"A"},{"question_number":0,"answer":"?"}]}]}}`
	eng := &fakeEngine{structured: func(schema string, images []llm.Image) (string, error) {
		if schema != prompt.SchemaCombined || len(images) != 2 {
			return "", errors.New("unexpected call")
		}
		return out, nil
	}}
	res, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeCombined(context.Background(), []string{"blank"}, []string{"key"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answers == nil || len(res.Answers.Regions) != 1 {
		t.Fatalf("answers: %+v", res.Answers)
	}
	qs := res.Answers.Regions[0].Questions
	if len(qs) != 2 || qs[0].QuestionNumber != types.NumberQ(1) {
		t.Fatalf("answers must be filtered and sorted, got %+v", qs)
	}
	if _, err := newOrchestrator(eng, fakeCropper{}, nil).RecognizeCombined(context.Background(), nil, []string{"key"}); err == nil {
		t.Fatal("combined call without blank pages must fail")
	}
}
