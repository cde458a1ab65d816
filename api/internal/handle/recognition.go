package handle

import (
	"net/http"
	"strings"
)

type blankSheetReq struct {
	ImageURL string `json:"imageUrl"`
}

func (h *Handle) BlankSheet(w http.ResponseWriter, r *http.Request) {
	var req blankSheetReq
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		writeErr(w, "blank-sheet", badRequest("imageUrl is required"))
		return
	}
	ctx, cancel := h.deadline(r)
	defer cancel()

	out, err := h.rec.RecognizeBlankSheet(ctx, strings.TrimSpace(req.ImageURL))
	if err != nil {
		writeErr(w, "blank-sheet", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type answersReq struct {
	ImageURL  string   `json:"imageUrl"`
	ImageURLs []string `json:"imageUrls"`
}

func (h *Handle) Answers(w http.ResponseWriter, r *http.Request) {
	var req answersReq
	if !h.decode(w, r, &req) {
		return
	}
	urls := cleanURLs(append([]string{req.ImageURL}, req.ImageURLs...))
	if len(urls) == 0 {
		writeErr(w, "answers", badRequest("imageUrl or imageUrls is required"))
		return
	}
	ctx, cancel := h.deadline(r)
	defer cancel()

	out, err := h.rec.RecognizeAnswers(ctx, urls)
	if err != nil {
		writeErr(w, "answers", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type combinedReq struct {
	BlankSheetImageURLs []string `json:"blankSheetImageUrls"`
	AnswerImageURLs     []string `json:"answerImageUrls"`
}

func (h *Handle) Combined(w http.ResponseWriter, r *http.Request) {
	var req combinedReq
	if !h.decode(w, r, &req) {
		return
	}
	blank := cleanURLs(req.BlankSheetImageURLs)
	if len(blank) == 0 {
		writeErr(w, "combined", badRequest("blankSheetImageUrls is required"))
		return
	}
	ctx, cancel := h.deadline(r)
	defer cancel()

	out, err := h.rec.RecognizeCombined(ctx, blank, cleanURLs(req.AnswerImageURLs))
	if err != nil {
		writeErr(w, "combined", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
