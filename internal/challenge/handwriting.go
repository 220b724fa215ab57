package challenge

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

const handwritingFamily = "handwriting"

const handwritingSampleCount = 5

// handwritingAnswerMap lists extra acceptable answers per target class on
// top of the class name itself (spec.md §9 open question: "config-driven,
// default [target class]"). A class absent from this table accepts only
// its own name.
var handwritingAnswerMap = map[string][]string{
	"금붕어":    {"물고기"},
	"웜뱃":     {},
	"공작":     {"새"},
	"긴꼬리흰앵무": {"새", "앵무새"},
	"금화조":    {"새"},
	"파랑새류":   {"새"},
	"코뿔새":    {"새"},
	"까치":     {"새"},
	"검은고니":   {"새"},
	"무지개앵무":  {"새", "앵무새"},
	"개":      {"강아지"},
	"고양이":    {},
}

// answerClasses returns the acceptable answers for targetClass: any extra
// synonyms configured for it, plus the class name itself.
func answerClasses(targetClass string) []string {
	extra := handwritingAnswerMap[targetClass]
	out := make([]string, 0, len(extra)+1)
	out = append(out, targetClass)
	out = append(out, extra...)
	return out
}

// HandwritingChallengeView is the public payload for
// /api/handwriting-challenge. TargetClass and AnswerClasses never leave
// the server (spec.md §4.5.3).
type HandwritingChallengeView struct {
	ChallengeID string
	Samples     []string
	TTL         time.Duration
}

// CreateHandwriting samples a class and up to five of its manifest keys as
// handwriting reference images.
func (s *Store) CreateHandwriting(ctx context.Context) (HandwritingChallengeView, error) {
	classes, err := s.manifest.Classes(ctx)
	if err != nil {
		return HandwritingChallengeView{}, errNoManifestData(err)
	}
	if len(classes) == 0 {
		return HandwritingChallengeView{}, errNoManifestData(nil)
	}
	targetClass := classes[randN(len(classes))]

	keys, err := s.manifest.ClassKeys(ctx, targetClass)
	if err != nil {
		return HandwritingChallengeView{}, errNoManifestData(err)
	}
	if len(keys) > handwritingSampleCount {
		keys = keys[:handwritingSampleCount]
	}

	samples := make([]string, len(keys))
	for i, key := range keys {
		url, err := s.cdn.URL(ctx, key)
		if err != nil {
			return HandwritingChallengeView{}, err
		}
		samples[i] = url
	}

	cid := newChallengeID()
	doc := model.HandwritingChallenge{
		CID:           cid,
		Samples:       samples,
		TargetClass:   targetClass,
		AnswerClasses: answerClasses(targetClass),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.kv.SetJSON(ctx, kvKey(handwritingFamily, cid), doc, s.cfg.TTL); err != nil {
		return HandwritingChallengeView{}, err
	}

	clientSamples := make([]string, len(samples))
	for i, url := range samples {
		clientSamples[i] = s.clientURL(handwritingFamily, cid, i, url)
	}

	return HandwritingChallengeView{ChallengeID: cid, Samples: clientSamples, TTL: s.cfg.TTL}, nil
}

// VerifyHandwriting runs OCR over imageBase64 and checks the recognized
// class against the challenge's accepted answer set.
func (s *Store) VerifyHandwriting(ctx context.Context, cid string, imageBase64 string) (Result, error) {
	key := kvKey(handwritingFamily, cid)

	var doc model.HandwritingChallenge
	if err := s.kv.GetJSON(ctx, key, &doc); err != nil {
		if err == kv.ErrNotFound {
			return Result{}, notFoundErr()
		}
		return Result{}, err
	}

	var lexicon []string
	if doc.TargetClass != "" {
		lexicon = []string{doc.TargetClass}
	}
	recognized, err := s.ml.PredictText(ctx, mlclient.TextRequest{ImageData: imageBase64, Lexicon: lexicon})
	if err != nil {
		return Result{}, err
	}
	normalized := normalizeText(recognized)

	success := false
	for _, allowed := range doc.AnswerClasses {
		if normalizeText(allowed) == normalized {
			success = true
			break
		}
	}

	doc.Attempts++
	if destroyed(s.cfg.HandwritingAttemptCeiling, success, doc.Attempts) {
		_ = s.kv.Del(ctx, key)
	} else if err := s.kv.SetJSON(ctx, key, doc, s.cfg.TTL); err != nil {
		return Result{}, err
	}

	return Result{Success: success, Attempts: doc.Attempts}, nil
}

// normalizeText lowercases s and strips every rune that isn't a Unicode
// letter or digit, so OCR output with stray punctuation or spacing
// ("금붕어.", "gold fish") still compares equal to a clean answer class.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
