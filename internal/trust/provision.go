package trust

// Provision is the one-shot bootstrap path: generate a key pair (if one
// isn't already present) and activate the store with endpoint
// credentials, used by the `devicectl provision` command (spec.md §4.1,
// "Provision").
func (s *Store) Provision(creds EndpointCredentials) error {
	s.mu.Lock()
	hasKey := s.privateKey != nil
	s.mu.Unlock()

	if !hasKey {
		if err := s.GenerateKeyPair(); err != nil {
			return err
		}
	}
	return s.SetEndpointCredentials(creds)
}
