package quorum

// Check guards a mutating operation on a data structure bound to the named
// quorum. It returns nil when name is empty, the quorum is disabled or it
// is present; a *QuorumError when it is absent; and a *NotFoundError when
// name is not configured. Check never blocks.
func (s *Service) Check(name string) error {
	return s.CheckOp(name, OpWrite)
}

// CheckOp is Check for an explicit operation kind. Quorums of type READ or
// WRITE only guard operations of that kind.
func (s *Service) CheckOp(name string, op OpKind) error {
	if name == "" {
		return nil
	}
	q, ok := s.quorums[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	return q.check(op)
}
