package tensor

// Backward propagates the error of a dense layer.
//
// df holds f'(z) on entry and the delta df ⊙ activationGradients on return.
// The remaining outputs are only computed when they have elements, which
// lets the first layer of a network pass empty matrices:
//
//	activationGradientsBackward = df · W
//	weightGradients             = dfᵀ · activationsBackward
//	biasGradients               = column sums of df
func Backward(activationGradientsBackward, weightGradients, biasGradients, df, activationGradients, weights, activationsBackward *Matrix) error {
	if err := Hadamard(df, activationGradients); err != nil {
		return err
	}
	if activationGradientsBackward.Size() > 0 {
		if err := Multiply(activationGradientsBackward, df, weights); err != nil {
			return err
		}
	}
	if weightGradients.Size() > 0 {
		if err := TransposeMultiply(weightGradients, df, activationsBackward); err != nil {
			return err
		}
	}
	if biasGradients.Size() > 0 {
		if err := SumColumns(biasGradients, df); err != nil {
			return err
		}
	}
	return nil
}
