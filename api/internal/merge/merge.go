// Package merge сводит постраничные результаты распознавания и проверки в один.
// Входы считаются уже проверенными пакетом parse.
package merge

import (
	"slices"

	"exam-grader/api/internal/types"
)

type answerGroup struct {
	typ       types.QuestionType
	region    types.Box
	questions []types.QuestionAnswer
	seen      map[types.QuestionNumber]struct{}
}

// Answers объединяет ответы нескольких страниц (или вызовов).
//
// Внутри типа вопрос с одним и тем же номером берётся из первого вхождения, содержимое
// не сливается. Область типа — первая встреченная, для choice — объединение всех областей.
// Вопросы внутри типа и сами типы упорядочиваются через Compare.
func Answers(results ...types.AnswerRecognitionResponse) types.AnswerRecognitionResponse {
	groups := make(map[types.QuestionType]*answerGroup)
	var order []types.QuestionType

	for _, res := range results {
		for _, r := range res.Regions {
			g, ok := groups[r.Type]
			if !ok {
				g = &answerGroup{
					typ:    r.Type,
					region: r.Region,
					seen:   make(map[types.QuestionNumber]struct{}),
				}
				groups[r.Type] = g
				order = append(order, r.Type)
			} else if r.Type == types.TypeChoice {
				g.region = g.region.Union(r.Region)
			}
			for _, q := range r.Questions {
				if _, dup := g.seen[q.QuestionNumber]; dup {
					continue
				}
				g.seen[q.QuestionNumber] = struct{}{}
				g.questions = append(g.questions, q)
			}
		}
	}

	out := types.AnswerRecognitionResponse{Regions: make([]types.RegionAnswerResult, 0, len(order))}
	for _, t := range order {
		g := groups[t]
		slices.SortStableFunc(g.questions, func(a, b types.QuestionAnswer) int {
			return Compare(a.QuestionNumber, b.QuestionNumber)
		})
		qs := g.questions
		if qs == nil {
			qs = []types.QuestionAnswer{}
		}
		out.Regions = append(out.Regions, types.RegionAnswerResult{Type: g.typ, Region: g.region, Questions: qs})
	}
	slices.SortStableFunc(out.Regions, compareRegions)
	return out
}

// compareRegions — по номеру первого вопроса; области без вопросов в конце.
func compareRegions(a, b types.RegionAnswerResult) int {
	switch {
	case len(a.Questions) == 0 && len(b.Questions) == 0:
		return 0
	case len(a.Questions) == 0:
		return 1
	case len(b.Questions) == 0:
		return -1
	}
	return Compare(a.Questions[0].QuestionNumber, b.Questions[0].QuestionNumber)
}

// Scores объединяет постраничные оценки. Вопрос с повторным номером берётся из первого
// вхождения; итоги пересчитываются по дедуплицированному списку, а не суммируются по страницам.
func Scores(results ...types.ScoreCalculationResult) types.ScoreCalculationResult {
	out := types.ScoreCalculationResult{
		Questions:        []types.QuestionScoreResult{},
		ObjectiveScores:  map[types.QuestionNumber]types.ScoreEntry{},
		SubjectiveScores: map[types.QuestionNumber]types.ScoreEntry{},
	}
	seen := make(map[types.QuestionNumber]struct{})
	for _, res := range results {
		for _, q := range res.Questions {
			if _, dup := seen[q.QuestionNumber]; dup {
				continue
			}
			seen[q.QuestionNumber] = struct{}{}
			out.Questions = append(out.Questions, q)
		}
		mergeFirstWins(out.ObjectiveScores, res.ObjectiveScores)
		mergeFirstWins(out.SubjectiveScores, res.SubjectiveScores)
	}
	out.Recompute()
	return out
}

func mergeFirstWins(dst, src map[types.QuestionNumber]types.ScoreEntry) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}
