// Package behavior implements the Behavior Ingest & Scorer component
// (spec.md §2 component 8): forwarding client telemetry to the ML scorer
// and persisting the (telemetry, score) pair fire-and-forget. Persistence
// runs on a bounded background worker with drop-on-full semantics,
// matching the source's "lose-on-error" contract (§9: "Fire-and-forget
// MongoDB writes via ad-hoc worker threads become a bounded work queue").
package behavior

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/telemetry"
)

// mobileUAPattern matches the case-insensitive mobile/tablet keyword set
// from spec.md §4.4 "Mobile heuristic".
var mobileUAPattern = regexp.MustCompile(`(?i)(mobile|android|iphone|ipad|ipod|blackberry|windows phone|opera mini|kindle|silk|webos|palm)`)

// IsMobile reports whether userAgent matches the mobile heuristic.
func IsMobile(userAgent string) bool {
	return userAgent != "" && mobileUAPattern.MatchString(userAgent)
}

// ScoreResult is the outcome of scoring one behavior payload.
type ScoreResult struct {
	ConfidenceScore float64
	IsBot           bool
	// Degraded is true if the ML scorer was unreachable and
	// ConfidenceScore is the configured default (§4.4, §7).
	Degraded bool
}

type persistJob struct {
	correlationID string
	behaviorData  string
	score         float64
	createdAt     time.Time
}

// Scorer forwards behavior telemetry to the ML service and persists
// accepted samples on a bounded background queue.
type Scorer struct {
	ml           *mlclient.Client
	pool         *pgxpool.Pool
	logger       *slog.Logger
	defaultScore float64

	queue chan persistJob
}

// NewScorer builds a Scorer. queueSize bounds the fire-and-forget
// persistence queue (spec.md §5: "bounded work queue... drop-on-full").
func NewScorer(ml *mlclient.Client, pool *pgxpool.Pool, logger *slog.Logger, defaultScore float64, queueSize int) *Scorer {
	return &Scorer{
		ml:           ml,
		pool:         pool,
		logger:       logger,
		defaultScore: defaultScore,
		queue:        make(chan persistJob, queueSize),
	}
}

// Run drains the persistence queue until ctx is cancelled. Call once from
// a dedicated goroutine at startup.
func (s *Scorer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.persist(ctx, job)
		}
	}
}

// Score sends behaviorData to the ML bot-scoring service and, unless the
// caller is on a mobile user agent, enqueues the (telemetry, score) pair
// for fire-and-forget persistence keyed by a fresh correlation ID (spec.md
// §4.4, §3 BehaviorSample, §9 mobile-suppression rule).
func (s *Scorer) Score(ctx context.Context, sessionID, ip, userAgent, behaviorData string) ScoreResult {
	score, isBot, err := s.ml.PredictBotScore(ctx, mlclient.BotScoreRequest{
		SessionID:    sessionID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		BehaviorData: behaviorData,
	})
	result := ScoreResult{ConfidenceScore: score, IsBot: isBot}
	if err != nil {
		s.logger.Warn("behavior: ml scorer unreachable, using default score",
			"error", err, "default_score", s.defaultScore)
		telemetry.ScoreFallbacksTotal.Inc()
		result.ConfidenceScore = s.defaultScore
		result.Degraded = true
	}

	if IsMobile(userAgent) {
		return result
	}

	job := persistJob{
		correlationID: uuid.NewString(),
		behaviorData:  behaviorData,
		score:         result.ConfidenceScore,
		createdAt:     time.Now().UTC(),
	}
	select {
	case s.queue <- job:
	default:
		telemetry.BehaviorSamplesDroppedTotal.Inc()
		s.logger.Warn("behavior: persistence queue full, dropping sample", "correlation_id", job.correlationID)
	}
	return result
}

func (s *Scorer) persist(ctx context.Context, job persistJob) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO behavior_samples (correlation_id, behavior_data, confidence_score, created_at)
		VALUES ($1, $2, $3, $4)`,
		job.correlationID, job.behaviorData, job.score, job.createdAt)
	if err != nil {
		// Fire-and-forget: persistence failures never propagate back to the
		// scoring path (§5).
		s.logger.Debug("behavior: persist failed, dropping", "error", err, "correlation_id", job.correlationID)
	}
}
