package diagram

// Budgets are the per-field rune limits applied by Escape.
type Budgets struct {
	UserInput  int
	ParamValue int
	ParamList  int
	Result     int
	Response   int
	Error      int
}

// DefaultBudgets returns the limits used when no option overrides them.
func DefaultBudgets() Budgets {
	return Budgets{
		UserInput:  50,
		ParamValue: 30,
		ParamList:  50,
		Result:     40,
		Response:   60,
		Error:      40,
	}
}

type options struct {
	budgets Budgets
	host    string
}

// Option configures Render.
type Option func(*options)

// WithBudgets replaces the default truncation budgets.
func WithBudgets(b Budgets) Option {
	return func(o *options) { o.budgets = b }
}

// WithHostLabel sets the caption shown under the Host App participant.
func WithHostLabel(label string) Option {
	return func(o *options) { o.host = label }
}

func newOptions(opts []Option) options {
	o := options{
		budgets: DefaultBudgets(),
		host:    "memtrace",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
