package scoring

// BaselineVersion identifies the weighted heuristic scorer.
const BaselineVersion = "baseline-v1"

// Weights for the heuristic, summing to 1.
var baselineWeights = [...]float64{
	0.30, // revenue_indicator
	0.20, // company_size_bucket
	0.20, // tech_sophistication
	0.15, // growth_signal
	0.15, // market_fit
}

type baseline struct{}

func (baseline) Predict(x []float64) float64 {
	var s float64
	for i, w := range baselineWeights {
		s += w * x[i]
	}
	return s
}

// NewBaseline returns a scorer using fixed weights instead of a trained model.
func NewBaseline() *Service {
	return NewService(baseline{}, BaselineVersion)
}
