//go:build !profile

package prof

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Session is a no-op recording when built without the "profile" tag.
type Session struct{}

// Start returns a session that records nothing.
func Start(_ Options) (*Session, error) {
	return &Session{}, nil
}

// Stop does nothing.
func (s *Session) Stop() error {
	return nil
}
