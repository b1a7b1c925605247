package pricing

// TokenCount is either Reported by the vendor or Estimated from text length.
// The two never share a type so a consumer has to choose explicitly.
type TokenCount interface {
	Tokens() (input, output int)
	isTokenCount()
}

type Reported struct {
	Input  int
	Output int
}

func (r Reported) Tokens() (int, int) { return r.Input, r.Output }
func (Reported) isTokenCount()        {}

type Estimated struct {
	Input  int
	Output int
}

func (e Estimated) Tokens() (int, int) { return e.Input, e.Output }
func (Estimated) isTokenCount()        {}

// EstimateCall builds an Estimated count from the prompt and completion text.
func EstimateCall(prompt, completion string) Estimated {
	return Estimated{
		Input:  EstimateTokens(prompt),
		Output: EstimateTokens(completion),
	}
}

func IsEstimated(tc TokenCount) bool {
	_, ok := tc.(Estimated)
	return ok
}
