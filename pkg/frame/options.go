package frame

// CTSPolicy selects which modem-control lines LinkFailed treats as
// the flow-control signal from the device. Some serial adapters wire
// only CTS through; others report DSR as well, so both behaviours are
// kept as an explicit policy knob instead of a build tag.
type CTSPolicy uint8

const (
	// PolicyDSRAndCTS fails the link when DSR or CTS is low (default).
	PolicyDSRAndCTS CTSPolicy = iota
	// PolicyCTSOnly fails the link when CTS alone is low.
	PolicyCTSOnly
)

// Options configures a Framer. See Option.
type Options struct {
	Verbose    int
	CTSPolicy  CTSPolicy
	BufferLen  int
	SettleWait bool
}

// The default buffer length must hold one worst-case data frame: a
// fully byte-stuffed SENDLEN read chunk plus the service envelope and
// framing overhead. This layer does not fragment, so an undersized
// buffer would turn every maximum-length transfer into an overflow
// reset.
var defaultOptions = Options{
	Verbose:    0,
	CTSPolicy:  PolicyDSRAndCTS,
	BufferLen:  4300,
	SettleWait: true,
}

// Option configures a Framer constructed with New.
type Option func(*Options)

// WithVerbose sets the debug-log verbosity level (bitmask: 1=log, 4=modem lines).
func WithVerbose(level int) Option {
	return func(o *Options) { o.Verbose = level }
}

// WithCTSOnly selects the CTS-only line-failure policy.
func WithCTSOnly() Option {
	return func(o *Options) { o.CTSPolicy = PolicyCTSOnly }
}

// WithDSRAndCTS selects the DSR-and-CTS line-failure policy (default).
func WithDSRAndCTS() Option {
	return func(o *Options) { o.CTSPolicy = PolicyDSRAndCTS }
}

// WithBufferLen overrides the static input/output buffer size.
func WithBufferLen(n int) Option {
	return func(o *Options) { o.BufferLen = n }
}

// WithoutSettleWait disables the post-reset settling sleep; intended for tests.
func WithoutSettleWait() Option {
	return func(o *Options) { o.SettleWait = false }
}
