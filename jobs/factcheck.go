package jobs

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/retry"
)

// Verdict thresholds: a score of 80+ is clean, 50+ warrants caution,
// anything below carries a warning.
const (
	VerdictClean   = "clean"
	VerdictCaution = "caution"
	VerdictWarning = "warning"
)

// verifyConcurrency bounds the parallel claim verifications per run.
const verifyConcurrency = 4

type extractClaimsRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type extractClaimsResponse struct {
	Claims []string `json:"claims"`
}

type verifyClaimRequest struct {
	Claim string `json:"claim"`
}

// FactCheckContent extracts factual claims from content, verifies each claim
// in parallel, and scores the result. Verification calls are memoized per
// claim, so a transient failure halfway through only re-verifies the claims
// that never finished. Throttled per user.
func FactCheckContent(deps Deps) *function.Definition {
	return &function.Definition{
		ID:           "factcheck-content",
		TriggerEvent: EventFactCheckRequested,
		Throttle: function.Throttle{
			Key:    "userId",
			Limit:  5,
			Period: time.Minute,
		},
		Steps: []function.StepSpec{
			{
				Name: "extract-claims",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Input[FactCheckPayload](ctx)
					if err != nil {
						return nil, retry.Validation(err)
					}
					if err := p.Validate(); err != nil {
						return nil, retry.Validation(err)
					}

					var resp extractClaimsResponse
					if err := deps.HTTP.PostJSON(ctx, deps.Endpoints.ExtractClaims, extractClaimsRequest{
						Title: p.Title,
						Body:  p.Body,
					}, &resp); err != nil {
						return nil, err
					}
					return resp.Claims, nil
				},
			},
			{
				Name: "verify-claims",
				Fn: func(ctx function.Context) (any, error) {
					claims, err := function.Output[[]string](ctx, "extract-claims")
					if err != nil {
						return nil, err
					}

					verifications := make([]Verification, len(claims))
					var mu sync.Mutex

					g, gctx := errgroup.WithContext(ctx)
					g.SetLimit(verifyConcurrency)
					for i, claim := range claims {
						g.Go(func() error {
							v, err := function.Memo(ctx, fmt.Sprintf("verify-claim-%d", i), func() (Verification, error) {
								var v Verification
								if err := deps.HTTP.PostJSON(gctx, deps.Endpoints.VerifyClaim, verifyClaimRequest{
									Claim: claim,
								}, &v); err != nil {
									return Verification{}, err
								}
								v.Claim = claim
								return v, nil
							})
							if err != nil {
								return err
							}
							mu.Lock()
							verifications[i] = v
							mu.Unlock()
							return nil
						})
					}
					if err := g.Wait(); err != nil {
						return nil, err
					}
					return verifications, nil
				},
			},
			{
				Name: "score-and-emit",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Input[FactCheckPayload](ctx)
					if err != nil {
						return nil, retry.Validation(err)
					}
					claims, err := function.Output[[]string](ctx, "extract-claims")
					if err != nil {
						return nil, err
					}
					verifications, err := function.Output[[]Verification](ctx, "verify-claims")
					if err != nil {
						return nil, err
					}

					score := Score(verifications)
					evt, err := event.New(EventFactCheckCompleted, FactCheckCompletedPayload{
						UserID:        p.UserID,
						ContentID:     p.ContentID,
						Score:         score,
						Verdict:       Verdict(score),
						Claims:        claims,
						Verifications: verifications,
					})
					if err != nil {
						return nil, err
					}
					evt.ID = event.DeterministicID("factcheck-completed", ctx.RunID())
					return deps.Bus.Publish(ctx, evt)
				},
			},
		},
	}
}

// Score blends the verified rate with the mean verification confidence:
// 100 × (0.7 × verifiedRate + 0.3 × meanConfidence), rounded. Content with
// no extractable claims has nothing to dispute and scores 100.
func Score(verifications []Verification) int {
	if len(verifications) == 0 {
		return 100
	}

	var verified int
	var confidenceSum float64
	for _, v := range verifications {
		if v.Verified {
			verified++
		}
		confidenceSum += v.Confidence
	}
	verifiedRate := float64(verified) / float64(len(verifications))
	meanConfidence := confidenceSum / float64(len(verifications))

	return int(math.Round(100 * (0.7*verifiedRate + 0.3*meanConfidence)))
}

// Verdict maps a score to its verdict band.
func Verdict(score int) string {
	switch {
	case score >= 80:
		return VerdictClean
	case score >= 50:
		return VerdictCaution
	default:
		return VerdictWarning
	}
}
