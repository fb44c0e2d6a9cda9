// Package models assembles the reference graphs the commands and
// end-to-end tests fit: polynomial regression and the linear Gaussian
// state-space model, with matching synthetic-data generators and
// scoring helpers.
package models

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/nodes"
)

// RMSE returns the root mean squared error between predictions and
// truth over the cells the mask marks. A nil mask scores every cell.
func RMSE(pred, truth *mat.Dense, where *nodes.Mask) float64 {
	r, c := truth.Dims()
	var sum float64
	var count int
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if where != nil && !where.Observed(i, j) {
				continue
			}
			diff := pred.At(i, j) - truth.At(i, j)
			sum += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
