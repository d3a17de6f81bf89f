package quality

import (
	"math"

	"training-orchestrator/core/models"
)

// Loss reduction thresholds, in percent, for each quality band
const (
	ExcellentReductionPercent = 50.0
	GoodReductionPercent      = 30.0
	FairReductionPercent      = 15.0
	PoorReductionPercent      = 5.0
)

// OverfitGap is the validation minus training loss above which a run is
// labelled overfit
const OverfitGap = 0.5

// Score bounds
const (
	NeutralScore    = 3
	MinOverfitScore = 2
)

// Convergence labels
const (
	ConvergenceExcellent = "excellent"
	ConvergenceGood      = "good"
	ConvergenceFair      = "fair"
	ConvergencePoor      = "poor"
	ConvergenceOverfit   = "overfit"
	ConvergenceUnknown   = "unknown"
)

// Analyze scores a training run from its metrics series, ordered by time.
// A series without a usable initial training loss scores neutral.
// Perplexity and the overfit check use the last reported validation loss,
// which may come from an earlier point than the final training loss.
func Analyze(points []models.MetricsPoint) models.QualityMetrics {
	first, last, ok := trainingLossBounds(points)
	if !ok {
		return models.QualityMetrics{OverallScore: NeutralScore, ConvergenceQuality: ConvergenceUnknown}
	}

	initial := *first.TrainingLoss
	final := *last.TrainingLoss
	reduction := (initial - final) / initial * 100

	label, score := band(reduction)

	result := models.QualityMetrics{
		FinalTrainingLoss:    float64Ptr(final),
		LossReductionPercent: float64Ptr(math.Round(reduction*100) / 100),
	}

	validation := lastValidationLoss(points)
	if validation != nil {
		result.FinalValidationLoss = float64Ptr(*validation)
		result.Perplexity = float64Ptr(math.Exp(*validation))

		if *validation-final > OverfitGap {
			label = ConvergenceOverfit
			score--
			if score < MinOverfitScore {
				score = MinOverfitScore
			}
		}
	}

	result.OverallScore = score
	result.ConvergenceQuality = label
	return result
}

func band(reduction float64) (string, int) {
	switch {
	case reduction > ExcellentReductionPercent:
		return ConvergenceExcellent, 5
	case reduction > GoodReductionPercent:
		return ConvergenceGood, 4
	case reduction > FairReductionPercent:
		return ConvergenceFair, 3
	case reduction > PoorReductionPercent:
		return ConvergencePoor, 2
	default:
		return ConvergencePoor, 1
	}
}

// trainingLossBounds returns the first and last points carrying a training
// loss. The initial loss must be non-zero for the reduction to be defined.
func trainingLossBounds(points []models.MetricsPoint) (models.MetricsPoint, models.MetricsPoint, bool) {
	var first, last models.MetricsPoint
	found := false
	for _, p := range points {
		if p.TrainingLoss == nil {
			continue
		}
		if !found {
			first = p
			found = true
		}
		last = p
	}
	if !found || *first.TrainingLoss == 0 {
		return first, last, false
	}
	return first, last, true
}

func lastValidationLoss(points []models.MetricsPoint) *float64 {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].ValidationLoss != nil {
			return points[i].ValidationLoss
		}
	}
	return nil
}

func float64Ptr(f float64) *float64 { return &f }
