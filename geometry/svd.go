package geometry

import "gonum.org/v1/gonum/mat"

// factoredSVD bundles the U, V, V^T, and diagonal Sigma matrices of a full SVD factorization.
type factoredSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// factorSVD runs a full SVD on m, returning nil if the factorization fails to converge.
func factorSVD(m *mat.Dense) *factoredSVD {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil
	}

	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt := mat.DenseCopyOf(v.T())

	values := svd.Values(nil)
	s := mat.DenseCopyOf(mat.NewDiagDense(len(values), values))

	return &factoredSVD{U: u, V: v, VT: vt, S: s}
}

func transpose(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

func identity(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}
