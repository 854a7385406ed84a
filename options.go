package thrall

// Option configures a Guard at creation time.
type Option func(*guardConfig)

type guardConfig struct {
	runner  Runner
	noWatch bool
}

// WithLocalRunner attaches an in-process model runtime for "local" backend
// models. Without it those models report unavailable and recipes take their
// fallback action.
func WithLocalRunner(r Runner) Option {
	return func(c *guardConfig) { c.runner = r }
}

// WithoutWatch disables the config file watcher. The host is then
// responsible for calling Reload after editing config files.
func WithoutWatch() Option {
	return func(c *guardConfig) { c.noWatch = true }
}
