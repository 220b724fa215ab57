package challenge

import (
	"context"
	"strings"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

const imageGridFamily = "imagegrid"

// imageGridQuestions maps a lowercased target label to the question text
// shown to the visitor; anything not in this table falls back to a
// generic template naming the label (spec.md §4.5.2).
var imageGridQuestions = map[string]string{
	"person":  "Select every image containing a person",
	"car":     "Select every image containing a car",
	"dog":     "Select every image containing a dog",
	"cat":     "Select every image containing a cat",
	"bus":     "Select every image containing a bus",
	"bicycle": "Select every image containing a bicycle",
}

// ImageGridChallengeView is the public payload for /api/image-challenge.
// CorrectCells is deliberately absent (spec.md §4.5.2).
type ImageGridChallengeView struct {
	ChallengeID string
	URL         string
	TTL         time.Duration
	GridSize    int
	TargetLabel string
	Question    string
}

// CreateImageGrid samples one pre-labelled image from the manifest and
// persists its correct-cell answer set server-side only.
func (s *Store) CreateImageGrid(ctx context.Context) (ImageGridChallengeView, error) {
	img, err := s.manifest.SampleLabeledImage(ctx)
	if err != nil {
		return ImageGridChallengeView{}, errNoManifestData(err)
	}

	cid := newChallengeID()
	doc := model.ImageGridChallenge{
		CID:          cid,
		ImageURL:     img.URL,
		TargetLabel:  img.TargetLabel,
		CorrectCells: img.CorrectCells,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.kv.SetJSON(ctx, kvKey(imageGridFamily, cid), doc, s.cfg.TTL); err != nil {
		return ImageGridChallengeView{}, err
	}

	question, ok := imageGridQuestions[strings.ToLower(img.TargetLabel)]
	if !ok {
		question = "Select every image containing a " + img.TargetLabel
	}

	return ImageGridChallengeView{
		ChallengeID: cid,
		URL:         s.clientURL(imageGridFamily, cid, 0, img.URL),
		TTL:         s.cfg.TTL,
		GridSize:    3,
		TargetLabel: img.TargetLabel,
		Question:    question,
	}, nil
}

// VerifyImageGrid checks selections (grid cell indices, 1-9) against the
// stored correct-cell set.
func (s *Store) VerifyImageGrid(ctx context.Context, cid string, selections []int) (Result, error) {
	key := kvKey(imageGridFamily, cid)

	var doc model.ImageGridChallenge
	if err := s.kv.GetJSON(ctx, key, &doc); err != nil {
		if err == kv.ErrNotFound {
			return Result{}, notFoundErr()
		}
		return Result{}, err
	}

	success := intSlicesEqual(sortedUnique(selections), sortedUnique(doc.CorrectCells))

	doc.Attempts++
	if destroyed(s.cfg.ImageGridAttemptCeiling, success, doc.Attempts) {
		_ = s.kv.Del(ctx, key)
	} else if err := s.kv.SetJSON(ctx, key, doc, s.cfg.TTL); err != nil {
		return Result{}, err
	}

	return Result{Success: success, Attempts: doc.Attempts}, nil
}
