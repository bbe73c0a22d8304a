package training

import (
	"math"

	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// AccuracyThreshold splits sigmoid outputs and targets into two classes.
const AccuracyThreshold = 0.5

// BinaryAccuracy returns the fraction of elements where prediction and
// target fall on the same side of threshold. Targets are continuous control
// values, so both sides are thresholded. This differs from Keras
// binary_accuracy, which compares the raw target against the thresholded
// prediction and so scores 0 for any target strictly between 0 and 1.
func BinaryAccuracy(predicted, target *tensor.Tensor, threshold float32) float64 {
	if predicted == nil || target == nil || len(predicted.Data) == 0 || len(predicted.Data) != len(target.Data) {
		return 0
	}
	correct := 0
	for i, p := range predicted.Data {
		if (p > threshold) == (target.Data[i] > threshold) {
			correct++
		}
	}
	return float64(correct) / float64(len(predicted.Data))
}

// RegressionMetrics holds regression evaluation metrics for one head
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // MAE divided by the target range
}

// CalculateRegressionMetrics computes regression metrics over paired values.
func CalculateRegressionMetrics(predictions, trueValues []float32) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || len(trueValues) != n {
		return &RegressionMetrics{}
	}

	meanTrue := 0.0
	for _, v := range trueValues {
		meanTrue += float64(v)
	}
	meanTrue /= float64(n)

	var sumAbsErr, sumSqErr, sumSqTotal float64
	minTrue, maxTrue := math.Inf(1), math.Inf(-1)
	for i := range predictions {
		pred := float64(predictions[i])
		actual := float64(trueValues[i])
		diff := pred - actual

		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (actual - meanTrue) * (actual - meanTrue)
		minTrue = math.Min(minTrue, actual)
		maxTrue = math.Max(maxTrue, actual)
	}

	m := &RegressionMetrics{
		MAE: sumAbsErr / float64(n),
		MSE: sumSqErr / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)
	if sumSqTotal > 0 {
		m.R2 = 1 - sumSqErr/sumSqTotal
	}
	if maxTrue > minTrue {
		m.NMAE = m.MAE / (maxTrue - minTrue)
	}
	return m
}

// metricAccumulator averages per-batch values weighted by batch size, the
// way epoch logs are reported.
type metricAccumulator struct {
	sums   map[string]float64
	counts map[string]float64
}

func newMetricAccumulator() *metricAccumulator {
	return &metricAccumulator{sums: map[string]float64{}, counts: map[string]float64{}}
}

func (a *metricAccumulator) add(logs map[string]float64, weight int) {
	for k := range logs {
		a.sums[k] += logs[k] * float64(weight)
		a.counts[k] += float64(weight)
	}
}

func (a *metricAccumulator) means() map[string]float64 {
	out := make(map[string]float64, len(a.sums))
	for k, s := range a.sums {
		if a.counts[k] > 0 {
			out[k] = s / a.counts[k]
		}
	}
	return out
}

// EvaluateRegression predicts the first steps batches of seq (all when
// steps <= 0) and returns regression metrics per output name.
func EvaluateRegression(mt *ModelTrainer, seq dataset.Sequence, steps int) (map[string]*RegressionMetrics, error) {
	if steps <= 0 || steps > seq.Len() {
		steps = seq.Len()
	}
	names := mt.GetModelSpec().Outputs
	preds := make([][]float32, len(names))
	trues := make([][]float32, len(names))

	for i := 0; i < steps; i++ {
		b, err := seq.Batch(i)
		if err != nil {
			return nil, err
		}
		outs, err := mt.Predict(b.Inputs)
		if err != nil {
			return nil, err
		}
		if len(b.Targets) != len(outs) {
			return nil, errors.Errorf("batch %d has %d targets for %d outputs", i, len(b.Targets), len(outs))
		}
		for h, o := range outs {
			preds[h] = append(preds[h], o.Data...)
			trues[h] = append(trues[h], b.Targets[h].Data...)
		}
	}

	result := make(map[string]*RegressionMetrics, len(names))
	for h, name := range names {
		result[name] = CalculateRegressionMetrics(preds[h], trues[h])
	}
	return result, nil
}
