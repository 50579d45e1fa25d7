package job

// ChatSessions returns the number of jobs holding chat session state.
func (s *Service) ChatSessions() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
