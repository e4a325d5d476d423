package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// MultiHeadAttention is unmasked scaled dot-product self-attention over a sequence
type MultiHeadAttention struct {
	DModel   int
	NumHeads int
	HeadDim  int
	Query    *Linear
	Key      *Linear
	Value    *Linear
	Output   *Linear
}

// NewMultiHeadAttention builds the Q/K/V/output projections. dModel must be divisible by numHeads.
func NewMultiHeadAttention(name string, dModel, numHeads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if numHeads <= 0 || dModel%numHeads != 0 {
		return nil, fmt.Errorf("attention %s: dModel %d not divisible by %d heads", name, dModel, numHeads)
	}
	return &MultiHeadAttention{
		DModel:   dModel,
		NumHeads: numHeads,
		HeadDim:  dModel / numHeads,
		Query:    NewLinear(name+".q", dModel, dModel, rng),
		Key:      NewLinear(name+".k", dModel, dModel, rng),
		Value:    NewLinear(name+".v", dModel, dModel, rng),
		Output:   NewLinear(name+".out", dModel, dModel, rng),
	}, nil
}

func (m *MultiHeadAttention) Params() []*Param {
	var params []*Param
	for _, l := range []*Linear{m.Query, m.Key, m.Value, m.Output} {
		params = append(params, l.Params()...)
	}
	return params
}

// Forward attends every position to every position of the same sample
// Input/Output shape: [batch, seqLen, dModel]
func (m *MultiHeadAttention) Forward(input []float32, batch, seqLen int) ([]float32, Backward) {
	rows := batch * seqLen
	q, backQ := m.Query.Forward(input, rows)
	k, backK := m.Key.Forward(input, rows)
	v, backV := m.Value.Forward(input, rows)

	context, probs := attentionForwardCPU(q, k, v, batch, seqLen, m.NumHeads, m.HeadDim)
	output, backOut := m.Output.Forward(context, rows)

	back := func(gradOutput []float32) []float32 {
		gradContext := backOut(gradOutput)
		gradQ, gradK, gradV := attentionBackwardCPU(gradContext, q, k, v, probs, batch, seqLen, m.NumHeads, m.HeadDim)

		gradInput := backQ(gradQ)
		for i, g := range backK(gradK) {
			gradInput[i] += g
		}
		for i, g := range backV(gradV) {
			gradInput[i] += g
		}
		return gradInput
	}
	return output, back
}

// attentionForwardCPU computes softmax(QK^T / sqrt(d)) V per head.
// Returns the context [batch, seqLen, dModel] and the attention probabilities
// [batch, heads, seqLen, seqLen].
func attentionForwardCPU(q, k, v []float32, batch, seqLen, numHeads, headDim int) ([]float32, []float32) {
	dModel := numHeads * headDim
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	context := make([]float32, batch*seqLen*dModel)
	probs := make([]float32, batch*numHeads*seqLen*seqLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			off := h * headDim
			for i := 0; i < seqLen; i++ {
				qi := q[(b*seqLen+i)*dModel+off : (b*seqLen+i)*dModel+off+headDim]
				p := probs[((b*numHeads+h)*seqLen+i)*seqLen : ((b*numHeads+h)*seqLen+i+1)*seqLen]

				maxScore := float32(math.Inf(-1))
				for j := 0; j < seqLen; j++ {
					kj := k[(b*seqLen+j)*dModel+off : (b*seqLen+j)*dModel+off+headDim]
					var s float32
					for d := range qi {
						s += qi[d] * kj[d]
					}
					p[j] = s * scale
					if p[j] > maxScore {
						maxScore = p[j]
					}
				}
				var sum float32
				for j := range p {
					p[j] = float32(math.Exp(float64(p[j] - maxScore)))
					sum += p[j]
				}
				for j := range p {
					p[j] /= sum
				}

				ctx := context[(b*seqLen+i)*dModel+off : (b*seqLen+i)*dModel+off+headDim]
				for j := 0; j < seqLen; j++ {
					vj := v[(b*seqLen+j)*dModel+off : (b*seqLen+j)*dModel+off+headDim]
					for d := range ctx {
						ctx[d] += p[j] * vj[d]
					}
				}
			}
		}
	}

	return context, probs
}

// attentionBackwardCPU returns gradients with respect to Q, K and V
func attentionBackwardCPU(gradContext, q, k, v, probs []float32, batch, seqLen, numHeads, headDim int) ([]float32, []float32, []float32) {
	dModel := numHeads * headDim
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	gradQ := make([]float32, len(q))
	gradK := make([]float32, len(k))
	gradV := make([]float32, len(v))
	gradP := make([]float32, seqLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			off := h * headDim
			for i := 0; i < seqLen; i++ {
				base := (b*seqLen+i)*dModel + off
				gc := gradContext[base : base+headDim]
				p := probs[((b*numHeads+h)*seqLen+i)*seqLen : ((b*numHeads+h)*seqLen+i+1)*seqLen]

				// context_i = sum_j p_ij v_j
				var dot float32
				for j := 0; j < seqLen; j++ {
					vBase := (b*seqLen+j)*dModel + off
					var gp float32
					for d := 0; d < headDim; d++ {
						gp += gc[d] * v[vBase+d]
						gradV[vBase+d] += p[j] * gc[d]
					}
					gradP[j] = gp
					dot += p[j] * gp
				}

				// softmax reverse: ds_ij = p_ij * (dp_ij - sum_k p_ik dp_ik)
				for j := 0; j < seqLen; j++ {
					ds := p[j] * (gradP[j] - dot) * scale
					if ds == 0 {
						continue
					}
					kBase := (b*seqLen+j)*dModel + off
					for d := 0; d < headDim; d++ {
						gradQ[base+d] += ds * k[kBase+d]
						gradK[kBase+d] += ds * q[base+d]
					}
				}
			}
		}
	}

	return gradQ, gradK, gradV
}

// PositionalEncoding adds the fixed sinusoidal position signal to a [batch, seqLen, dModel] input
func PositionalEncoding(input []float32, batch, seqLen, dModel int) []float32 {
	output := make([]float32, len(input))
	copy(output, input)
	for pos := 0; pos < seqLen; pos++ {
		for i := 0; i < dModel; i += 2 {
			divTerm := math.Exp(float64(i) * -(math.Log(10000.0) / float64(dModel)))
			sin := float32(math.Sin(float64(pos) * divTerm))
			cos := float32(math.Cos(float64(pos) * divTerm))
			for b := 0; b < batch; b++ {
				idx := (b*seqLen+pos)*dModel + i
				output[idx] += sin
				if i+1 < dModel {
					output[idx+1] += cos
				}
			}
		}
	}
	return output
}
