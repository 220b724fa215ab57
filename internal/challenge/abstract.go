package challenge

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

const abstractFamily = "abstract"

// abstractModeLocal is the only recognized non-default value of
// Config.AbstractMode; anything else (including the empty string) runs the
// remote-mode selection.
const abstractModeLocal = "local"

// localCandidatePoolSize is the largest number of other-class keys local
// mode adds to the candidate pool it asks the ML service to score; fewer
// are added when the manifest holds fewer.
const localCandidatePoolSize = 60

// AbstractImage is one candidate shown to the visitor; IsPositive is never
// serialized back to the client (spec.md §4.5.1 "never return is_positive").
type AbstractImage struct {
	ID  int
	URL string
}

// AbstractChallengeView is the public, answer-free payload for
// /api/abstract-captcha.
type AbstractChallengeView struct {
	ChallengeID string
	Question    string
	TTL         time.Duration
	Images      []AbstractImage
}

// CreateAbstract builds a fresh abstract challenge: a target class plus a
// keyword, positives and negatives selected for that class, nine slots
// shuffled together so the correct answer's index is unpredictable
// (spec.md §4.5.1). Selection itself follows Config.AbstractMode: "remote"
// (the default) trusts the manifest's own class partition; "local" scores a
// candidate pool with the ML service instead.
func (s *Store) CreateAbstract(ctx context.Context) (AbstractChallengeView, error) {
	classes, err := s.manifest.Classes(ctx)
	if err != nil {
		return AbstractChallengeView{}, errNoManifestData(err)
	}
	if len(classes) == 0 {
		return AbstractChallengeView{}, errNoManifestData(nil)
	}
	targetClass := classes[randN(len(classes))]

	keywords, err := s.manifest.Keywords(ctx, targetClass)
	if err != nil {
		return AbstractChallengeView{}, errNoManifestData(err)
	}
	keyword := targetClass
	if len(keywords) > 0 {
		keyword = keywords[randN(len(keywords))]
	}

	classKeys, err := s.manifest.ClassKeys(ctx, targetClass)
	if err != nil {
		return AbstractChallengeView{}, errNoManifestData(err)
	}
	otherKeys, err := s.manifest.OtherClassKeys(ctx, targetClass)
	if err != nil {
		return AbstractChallengeView{}, errNoManifestData(err)
	}

	var positives, negatives []string
	if s.cfg.AbstractMode == abstractModeLocal {
		positives, negatives = s.selectAbstractLocal(ctx, targetClass, classKeys, otherKeys)
	} else {
		positives, negatives = s.selectAbstractRemote(classKeys, otherKeys)
	}
	if len(positives)+len(negatives) == 0 {
		return AbstractChallengeView{}, errNoManifestData(nil)
	}

	return s.finalizeAbstract(ctx, targetClass, keyword, positives, negatives)
}

const abstractGridSize = 9

// selectAbstractRemote picks positives from the target class's own keys and
// fills the rest of the grid from every other class, padding from the
// other-class pool if positives fell short (spec.md §4.5.1 "Remote mode").
func (s *Store) selectAbstractRemote(classKeys, otherKeys []string) (positives, negatives []string) {
	desiredPositive := s.cfg.AbstractMinPositives + randN(s.cfg.AbstractMaxPositives-s.cfg.AbstractMinPositives+1)
	if desiredPositive > len(classKeys) {
		desiredPositive = len(classKeys)
	}

	positives = append([]string(nil), classKeys[:desiredPositive]...)
	negativesNeeded := abstractGridSize - len(positives)
	if negativesNeeded > len(otherKeys) {
		negativesNeeded = len(otherKeys)
	}
	negatives = append([]string(nil), otherKeys[:negativesNeeded]...)

	// Pad with further negatives if the manifest was thin on either pool
	// (mirrors the source's while-loop top-up, §4.5.1).
	for i := len(negatives); len(positives)+len(negatives) < abstractGridSize && i < len(otherKeys); i++ {
		negatives = append(negatives, otherKeys[i])
	}
	return positives, negatives
}

// selectAbstractLocal guarantees Config.AbstractMinPositives positives from
// the target class, then scores a candidate pool (the remaining class keys
// plus up to localCandidatePoolSize other-class keys) against the
// target class with the ML batch-probability endpoint, taking the
// highest-scoring candidates as further positives and the lowest-scoring
// as negatives. If the ML call fails, candidates are scored uniformly at
// random instead (spec.md §4.5.1 "Local mode").
func (s *Store) selectAbstractLocal(ctx context.Context, targetClass string, classKeys, otherKeys []string) (positives, negatives []string) {
	guaranteed := s.cfg.AbstractMinPositives
	if guaranteed > len(classKeys) {
		guaranteed = len(classKeys)
	}
	positives = append([]string(nil), classKeys[:guaranteed]...)

	poolSize := localCandidatePoolSize
	if poolSize > len(otherKeys) {
		poolSize = len(otherKeys)
	}
	candidates := append([]string(nil), classKeys[guaranteed:]...)
	candidates = append(candidates, otherKeys[:poolSize]...)
	if len(candidates) == 0 {
		return positives, negatives
	}

	scores, err := s.ml.PredictAbstractProbaBatch(ctx, mlclient.AbstractProbaRequest{
		TargetClass: targetClass,
		ImageIDs:    candidates,
	})
	if err != nil || len(scores) == 0 {
		scores = make(map[string]float64, len(candidates))
		for _, id := range candidates {
			scores[id] = rand.Float64()
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return scores[candidates[i]] > scores[candidates[j]] })

	desiredPositive := s.cfg.AbstractMinPositives + randN(s.cfg.AbstractMaxPositives-s.cfg.AbstractMinPositives+1)
	if desiredPositive < guaranteed {
		desiredPositive = guaranteed
	}
	if desiredPositive > abstractGridSize {
		desiredPositive = abstractGridSize
	}

	nPos := desiredPositive - guaranteed
	if nPos < 0 {
		nPos = 0
	}
	if nPos > len(candidates) {
		nPos = len(candidates)
	}
	positives = append(positives, candidates[:nPos]...)

	remaining := candidates[nPos:]
	negNeeded := abstractGridSize - len(positives)
	if negNeeded > len(remaining) {
		negNeeded = len(remaining)
	}
	// remaining is still sorted highest-to-lowest score; negatives come
	// from its lowest-scoring tail.
	negatives = append([]string(nil), remaining[len(remaining)-negNeeded:]...)
	return positives, negatives
}

// finalizeAbstract shuffles positives/negatives into a single grid, resolves
// CDN URLs, persists the challenge document, and builds the client-facing
// view.
func (s *Store) finalizeAbstract(ctx context.Context, targetClass, keyword string, positives, negatives []string) (AbstractChallengeView, error) {
	keys := append(append([]string(nil), positives...), negatives...)
	isPositive := make([]bool, 0, len(keys))
	for range positives {
		isPositive = append(isPositive, true)
	}
	for range negatives {
		isPositive = append(isPositive, false)
	}

	// Shuffle (key, is_positive) pairs together so the index carries no
	// signal about the answer.
	order := rand.Perm(len(keys))
	shuffledKeys := make([]string, len(keys))
	shuffledPositive := make([]bool, len(keys))
	for newIdx, oldIdx := range order {
		shuffledKeys[newIdx] = keys[oldIdx]
		shuffledPositive[newIdx] = isPositive[oldIdx]
	}

	urls := make([]string, len(shuffledKeys))
	for i, key := range shuffledKeys {
		url, err := s.cdn.URL(ctx, key)
		if err != nil {
			return AbstractChallengeView{}, err
		}
		urls[i] = url
	}

	cid := newChallengeID()
	doc := model.AbstractChallenge{
		CID:         cid,
		TargetClass: targetClass,
		Keyword:     keyword,
		ImageURLs:   urls,
		ImageIDs:    shuffledKeys,
		IsPositive:  shuffledPositive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.kv.SetJSON(ctx, kvKey(abstractFamily, cid), doc, s.cfg.TTL); err != nil {
		return AbstractChallengeView{}, err
	}

	images := make([]AbstractImage, len(urls))
	for i, url := range urls {
		images[i] = AbstractImage{ID: i, URL: s.clientURL(abstractFamily, cid, i, url)}
	}

	return AbstractChallengeView{
		ChallengeID: cid,
		Question:    "Select every " + keyword + " image",
		TTL:         s.cfg.TTL,
		Images:      images,
	}, nil
}

// VerifyAbstract checks selections (image indices) against the stored
// positive set, increments the attempt counter, and destroys the
// challenge on success or once the attempt ceiling is reached.
func (s *Store) VerifyAbstract(ctx context.Context, cid string, selections []int) (Result, error) {
	key := kvKey(abstractFamily, cid)

	var doc model.AbstractChallenge
	if err := s.kv.GetJSON(ctx, key, &doc); err != nil {
		if err == kv.ErrNotFound {
			return Result{}, notFoundErr()
		}
		return Result{}, err
	}

	wanted := make([]int, 0, len(doc.IsPositive))
	for i, positive := range doc.IsPositive {
		if positive {
			wanted = append(wanted, i)
		}
	}
	success := intSlicesEqual(sortedUnique(selections), sortedUnique(wanted))

	doc.Attempts++
	if destroyed(s.cfg.AbstractAttemptCeiling, success, doc.Attempts) {
		_ = s.kv.Del(ctx, key)
	} else if err := s.kv.SetJSON(ctx, key, doc, s.cfg.TTL); err != nil {
		return Result{}, err
	}

	return Result{Success: success, Attempts: doc.Attempts}, nil
}
