// Package nn provides the float32 layer kernels used by the sequence scoring models.
//
// Every layer follows the same shape: Forward takes a flattened row-major input and
// returns the output together with a Backward closure. Calling the closure with the
// gradient of the loss with respect to the output accumulates parameter gradients into
// each Param.Grad and returns the gradient with respect to the input.
//
// Layouts:
//   - Linear:      [rows, in] -> [rows, out]
//   - RNN / LSTM:  [batch, steps, in] -> [batch, steps, hidden]
//   - Attention:   [batch, steps, dModel] -> [batch, steps, dModel]
//   - Conv1D:      [batch, channels, length] -> [batch, filters, outLength]
//
// Example usage:
//
//	layer := nn.NewLinear("head", 8, 2, rng)
//	logits, back := layer.Forward(x, rows)
//	loss, grad := nn.SoftmaxCrossEntropy(logits, targets, 2)
//	back(grad)
//	nn.ClipGradNorm(layer.Params(), 5.0)
//	opt.Step()
package nn
