package nodes

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

// Snapshotter captures and restores a node's posterior state. Rotation
// uses it to roll back rejected proposals; checkpointing uses it to
// persist runs.
type Snapshotter interface {
	Name() string
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

func symFlat(s *mat.SymDense) []float64 {
	d := s.SymmetricDim()
	out := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			out[i*d+j] = s.At(i, j)
		}
	}
	return out
}

func vecFlat(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	copy(out, v.RawVector().Data)
	return out
}

type gammaState struct {
	Plates int       `json:"plates"`
	Shapes []float64 `json:"shapes"`
	Rates  []float64 `json:"rates"`
}

// Snapshot implements Snapshotter.
func (gm *Gamma) Snapshot() ([]byte, error) {
	st := gammaState{Plates: gm.plates}
	for _, q := range gm.post {
		st.Shapes = append(st.Shapes, q.Shape)
		st.Rates = append(st.Rates, q.Rate)
	}
	return json.Marshal(st)
}

// Restore implements Snapshotter.
func (gm *Gamma) Restore(data []byte) error {
	var st gammaState
	if err := json.Unmarshal(data, &st); err != nil {
		return coreerrors.Wrap(coreerrors.KindModel, "restore", gm.meta.Name(), err)
	}
	if st.Plates != gm.plates || len(st.Shapes) != gm.plates || len(st.Rates) != gm.plates {
		return coreerrors.Shape("restore", gm.meta.Name(), "state has %d plates, node has %d", st.Plates, gm.plates)
	}
	post := make([]dists.Gamma, gm.plates)
	for p := 0; p < gm.plates; p++ {
		q, err := dists.NewGamma(st.Shapes[p], st.Rates[p])
		if err != nil {
			return err
		}
		post[p] = q
	}
	gm.post = post
	return nil
}

type gaussianVectorState struct {
	Dim    int         `json:"dim"`
	Plates int         `json:"plates"`
	Means  [][]float64 `json:"means"`
	Covs   [][]float64 `json:"covs"`
}

// Snapshot implements Snapshotter.
func (gv *GaussianVector) Snapshot() ([]byte, error) {
	st := gaussianVectorState{Dim: gv.dim, Plates: gv.plates}
	for p := 0; p < gv.plates; p++ {
		st.Means = append(st.Means, vecFlat(gv.post[p].Mean))
		st.Covs = append(st.Covs, symFlat(gv.post[p].Cov))
	}
	return json.Marshal(st)
}

// Restore implements Snapshotter.
func (gv *GaussianVector) Restore(data []byte) error {
	var st gaussianVectorState
	if err := json.Unmarshal(data, &st); err != nil {
		return coreerrors.Wrap(coreerrors.KindModel, "restore", gv.meta.Name(), err)
	}
	if st.Dim != gv.dim || st.Plates != gv.plates || len(st.Means) != gv.plates || len(st.Covs) != gv.plates {
		return coreerrors.Shape("restore", gv.meta.Name(),
			"state is %d plates of dimension %d, node is %d of %d", st.Plates, st.Dim, gv.plates, gv.dim)
	}
	for p := 0; p < gv.plates; p++ {
		if len(st.Means[p]) != gv.dim || len(st.Covs[p]) != gv.dim*gv.dim {
			return coreerrors.Shape("restore", gv.meta.Name(), "plate %d block size mismatch", p)
		}
		q := dists.NewGaussian(
			mat.NewVecDense(gv.dim, st.Means[p]),
			mat.NewSymDense(gv.dim, st.Covs[p]),
		)
		if err := gv.SetPosterior(p, q); err != nil {
			return err
		}
	}
	return nil
}

type chainState struct {
	Dim     int         `json:"dim"`
	Steps   int         `json:"steps"`
	Means   [][]float64 `json:"means"`
	Covs    [][]float64 `json:"covs"`
	Cross   [][]float64 `json:"cross"`
	LogDetJ float64     `json:"logdet_j"`
}

// Snapshot implements Snapshotter.
func (mc *MarkovChain) Snapshot() ([]byte, error) {
	st := chainState{Dim: mc.dim, Steps: mc.steps, LogDetJ: mc.logdetJ}
	for t := 0; t < mc.steps; t++ {
		st.Means = append(st.Means, vecFlat(mc.means[t]))
		st.Covs = append(st.Covs, symFlat(mc.covs[t]))
	}
	for t := 0; t < mc.steps-1; t++ {
		c := make([]float64, mc.dim*mc.dim)
		for i := 0; i < mc.dim; i++ {
			for j := 0; j < mc.dim; j++ {
				c[i*mc.dim+j] = mc.cross[t].At(i, j)
			}
		}
		st.Cross = append(st.Cross, c)
	}
	return json.Marshal(st)
}

// Restore implements Snapshotter.
func (mc *MarkovChain) Restore(data []byte) error {
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return coreerrors.Wrap(coreerrors.KindModel, "restore", mc.meta.Name(), err)
	}
	if st.Dim != mc.dim || st.Steps != mc.steps {
		return coreerrors.Shape("restore", mc.meta.Name(),
			"state is %d steps of dimension %d, node is %d of %d", st.Steps, st.Dim, mc.steps, mc.dim)
	}
	if len(st.Means) != mc.steps || len(st.Covs) != mc.steps || len(st.Cross) != mc.steps-1 {
		return coreerrors.Shape("restore", mc.meta.Name(), "state block count mismatch")
	}
	means := make([]*mat.VecDense, mc.steps)
	covs := make([]*mat.SymDense, mc.steps)
	for t := 0; t < mc.steps; t++ {
		if len(st.Means[t]) != mc.dim || len(st.Covs[t]) != mc.dim*mc.dim {
			return coreerrors.Shape("restore", mc.meta.Name(), "step %d block size mismatch", t)
		}
		means[t] = mat.NewVecDense(mc.dim, st.Means[t])
		covs[t] = mat.NewSymDense(mc.dim, st.Covs[t])
	}
	var cross []*mat.Dense
	if mc.steps > 1 {
		cross = make([]*mat.Dense, mc.steps-1)
		for t := range cross {
			if len(st.Cross[t]) != mc.dim*mc.dim {
				return coreerrors.Shape("restore", mc.meta.Name(), "cross block %d size mismatch", t)
			}
			cross[t] = mat.NewDense(mc.dim, mc.dim, st.Cross[t])
		}
	}
	return mc.SetPosterior(means, covs, cross, st.LogDetJ)
}
